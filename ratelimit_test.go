package ratekit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/nhalm/ratekit/clock"
	"github.com/nhalm/ratekit/policy"
	"github.com/nhalm/ratekit/store"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newMiddlewareLimiter(t *testing.T, limit uint32) *Limiter {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	reg := policy.MustRegistry(policy.Policy{Name: "test", Window: time.Minute, MaxRequests: limit})
	return NewLimiter(st, reg, WithClock(clock.NewManual(testEpoch)))
}

func doRequest(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_AllowsAndDenies(t *testing.T) {
	l := newMiddlewareLimiter(t, 2)
	h := NewMiddleware(l, "test", KeyByIP()).Handler(okHandler)

	for i := 0; i < 2; i++ {
		rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get(HeaderLimit); got != "2" {
			t.Errorf("expected %s=2, got %s", HeaderLimit, got)
		}
		if got := rec.Header().Get(HeaderRemaining); got != strconv.Itoa(1-i) {
			t.Errorf("request %d: expected %s=%d, got %s", i+1, HeaderRemaining, 1-i, got)
		}
		if got := rec.Header().Get(HeaderReset); got != strconv.FormatInt(testEpoch.Add(time.Minute).Unix(), 10) {
			t.Errorf("unexpected %s=%s", HeaderReset, got)
		}
		if rec.Header().Get(HeaderRetryAfter) != "" {
			t.Error("Retry-After must only be set on denials")
		}
	}

	rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderRetryAfter); got != "60" {
		t.Errorf("expected Retry-After=60, got %s", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var body limitExceededResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.RetryAfter != 60 || body.Limit != 2 || body.Remaining != 0 || body.Error == "" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestMiddleware_WithHandlerState(t *testing.T) {
	l := newMiddlewareLimiter(t, 1)
	h := Handler()(NewMiddleware(l, "test", KeyByIP()).Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})))

	rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderRemaining); got != "0" {
		t.Errorf("expected %s=0, got %s", HeaderRemaining, got)
	}

	rec = doRequest(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderRetryAfter) != "60" {
		t.Errorf("expected Retry-After=60, got %s", rec.Header().Get(HeaderRetryAfter))
	}

	var body limitExceededResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.RetryAfter != 60 || body.Limit != 1 {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestMiddleware_HeaderModes(t *testing.T) {
	tests := []struct {
		name        string
		mode        HeaderMode
		wantAllowed bool
		wantDenied  bool
	}{
		{name: "always", mode: HeadersAlways, wantAllowed: true, wantDenied: true},
		{name: "on limit exceeded", mode: HeadersOnLimitExceeded, wantAllowed: false, wantDenied: true},
		{name: "never", mode: HeadersNever, wantAllowed: false, wantDenied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMiddlewareLimiter(t, 1)
			h := NewMiddleware(l, "test", KeyByIP(), WithHeaderMode(tt.mode)).Handler(okHandler)

			rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if has := rec.Header().Get(HeaderLimit) != ""; has != tt.wantAllowed {
				t.Errorf("allowed response: expected headers=%v, got %v", tt.wantAllowed, has)
			}

			rec = doRequest(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d", rec.Code)
			}
			if has := rec.Header().Get(HeaderLimit) != ""; has != tt.wantDenied {
				t.Errorf("denied response: expected headers=%v, got %v", tt.wantDenied, has)
			}
			if has := rec.Header().Get(HeaderRetryAfter) != ""; has != tt.wantDenied {
				t.Errorf("denied response: expected Retry-After=%v, got %v", tt.wantDenied, has)
			}
		})
	}
}

func TestMiddleware_RequiredDimensionMissing(t *testing.T) {
	tests := []struct {
		name string
		opt  MiddlewareOption
	}{
		{name: "header", opt: KeyByHeaderRequired("X-Tenant-ID")},
		{name: "query param", opt: KeyByQueryParamRequired("tenant")},
		{name: "real ip", opt: KeyByRealIPRequired()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMiddlewareLimiter(t, 10)
			mw := NewMiddleware(l, "test", tt.opt)

			rec := doRequest(mw.Handler(okHandler), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("direct: expected 400, got %d", rec.Code)
			}

			rec = doRequest(Handler()(mw.Handler(okHandler)), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("with state: expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestMiddleware_OptionalDimensionMissingSkips(t *testing.T) {
	l := newMiddlewareLimiter(t, 1)
	h := NewMiddleware(l, "test", KeyByHeader("X-Tenant-ID")).Handler(okHandler)

	for i := 0; i < 3; i++ {
		rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if rec.Header().Get(HeaderLimit) != "" {
			t.Error("expected no rate limit headers when limiting is skipped")
		}
	}
}

func TestMiddleware_Dimensions(t *testing.T) {
	tests := []struct {
		name    string
		opts    []MiddlewareOption
		prepare func(*http.Request)
		want    string
	}{
		{
			name: "remote addr",
			opts: []MiddlewareOption{KeyByIP()},
			want: "192.0.2.1",
		},
		{
			name: "forwarded for first hop",
			opts: []MiddlewareOption{KeyByRealIP()},
			prepare: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
			},
			want: "203.0.113.7",
		},
		{
			name: "real ip header",
			opts: []MiddlewareOption{KeyByRealIP()},
			prepare: func(r *http.Request) {
				r.Header.Set("X-Real-IP", " 198.51.100.2 ")
			},
			want: "198.51.100.2",
		},
		{
			name: "query param",
			opts: []MiddlewareOption{KeyByQueryParam("org")},
			want: "acme",
		},
		{
			name: "tenant and endpoint",
			opts: []MiddlewareOption{KeyByHeader("X-Tenant-ID"), KeyByEndpoint()},
			prepare: func(r *http.Request) {
				r.Header.Set("X-Tenant-ID", "t1")
			},
			want: "t1:GET:/leads",
		},
		{
			name: "missing optional dimension left out",
			opts: []MiddlewareOption{KeyByHeader("X-Tenant-ID"), KeyByIP()},
			want: "192.0.2.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMiddlewareLimiter(t, 10)
			h := NewMiddleware(l, "test", tt.opts...).Handler(okHandler)

			req := httptest.NewRequest(http.MethodGet, "/leads?org=acme", http.NoBody)
			if tt.prepare != nil {
				tt.prepare(req)
			}
			if rec := doRequest(h, req); rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}

			d, err := l.Status(context.Background(), "test", tt.want)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if d.TotalHits != 1 {
				t.Errorf("expected one hit recorded for identifier %q, got %d", tt.want, d.TotalHits)
			}
		})
	}
}

func TestMiddleware_KeyByAPIKey(t *testing.T) {
	l := newMiddlewareLimiter(t, 1)
	h := APIKey(StaticAPIKeys("key-a", "key-b"))(
		NewMiddleware(l, "test", KeyByAPIKey()).Handler(okHandler),
	)

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set("X-API-Key", key)
		return doRequest(h, req).Code
	}

	if code := send("key-a"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := send("key-a"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for exhausted key, got %d", code)
	}
	if code := send("key-b"); code != http.StatusOK {
		t.Errorf("expected other key unaffected, got %d", code)
	}

	ctx := context.Background()
	if d, _ := l.Status(ctx, "test", hashAPIKey("key-a")); d.TotalHits != 1 {
		t.Errorf("expected window keyed by the key hash, got %d hits", d.TotalHits)
	}
	if d, _ := l.Status(ctx, "test", "key-a"); d.TotalHits != 0 {
		t.Error("raw API key must not be used as the identifier")
	}
}

func TestMiddleware_Degraded(t *testing.T) {
	tests := []struct {
		name     string
		mode     policy.FailureMode
		wantCode int
	}{
		{name: "fail open", mode: policy.FailOpen, wantCode: http.StatusOK},
		{name: "fail closed", mode: policy.FailClosed, wantCode: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := policy.MustRegistry(policy.Policy{Name: "test", Window: time.Minute, MaxRequests: 5, FailureMode: tt.mode})
			l := NewLimiter(failingStore{}, reg)
			h := NewMiddleware(l, "test", KeyByIP()).Handler(okHandler)

			rec := doRequest(h, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}

func TestNewMiddleware_Panics(t *testing.T) {
	l := newMiddlewareLimiter(t, 1)

	tests := []struct {
		name   string
		policy string
		opts   []MiddlewareOption
	}{
		{name: "no dimensions", policy: "test"},
		{name: "unknown policy", policy: "missing", opts: []MiddlewareOption{KeyByIP()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewMiddleware(l, tt.policy, tt.opts...)
		})
	}
}

func TestResetSeconds(t *testing.T) {
	tests := []struct {
		resetAt time.Time
		want    int64
	}{
		{resetAt: time.UnixMilli(61_000), want: 61},
		{resetAt: time.UnixMilli(61_001), want: 62},
		{resetAt: time.UnixMilli(61_999), want: 62},
	}

	for _, tt := range tests {
		if got := resetSeconds(Decision{ResetAt: tt.resetAt}); got != tt.want {
			t.Errorf("resetSeconds(%d ms) = %d, want %d", tt.resetAt.UnixMilli(), got, tt.want)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		retry time.Duration
		want  int64
	}{
		{retry: 0, want: 0},
		{retry: time.Minute, want: 60},
		{retry: 1500 * time.Millisecond, want: 2},
	}

	for _, tt := range tests {
		if got := (Decision{RetryAfter: tt.retry}).RetryAfterSeconds(); got != tt.want {
			t.Errorf("RetryAfterSeconds(%s) = %d, want %d", tt.retry, got, tt.want)
		}
	}
}

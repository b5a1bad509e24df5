package ratekit

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) *APIError {
	t.Helper()
	var body map[string]*APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"] == nil {
		t.Fatal("expected error in response")
	}
	return body["error"]
}

func TestHandler_Responses(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantType   string
	}{
		{
			name: "success body",
			handler: func(_ http.ResponseWriter, r *http.Request) {
				SetResponse(r, http.StatusCreated, map[string]string{"id": "123"})
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "error",
			handler: func(_ http.ResponseWriter, r *http.Request) {
				SetError(r, ErrNotFound.With("Window not found"))
			},
			wantStatus: http.StatusNotFound,
			wantType:   "not_found",
		},
		{
			name: "error takes precedence",
			handler: func(_ http.ResponseWriter, r *http.Request) {
				SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
				SetError(r, ErrUnauthorized)
			},
			wantStatus: http.StatusUnauthorized,
			wantType:   "auth_error",
		},
		{
			name: "panic",
			handler: func(_ http.ResponseWriter, _ *http.Request) {
				panic("something went wrong")
			},
			wantStatus: http.StatusInternalServerError,
			wantType:   "internal_error",
		},
		{
			name:       "empty",
			handler:    func(_ http.ResponseWriter, _ *http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name: "status only",
			handler: func(_ http.ResponseWriter, r *http.Request) {
				SetResponse(r, http.StatusNoContent, nil)
			},
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(Handler()(tt.handler), http.MethodGet, "/")

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantType != "" {
				if got := decodeAPIError(t, rec).Type; got != tt.wantType {
					t.Errorf("expected type %s, got %s", tt.wantType, got)
				}
			}
		})
	}
}

func TestHandler_SuccessBody(t *testing.T) {
	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]string{"id": "123"})
	}))

	rec := serve(h, http.MethodGet, "/")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["id"] != "123" {
		t.Errorf("expected id=123, got %s", body["id"])
	}
}

func TestHandler_CustomHeaders(t *testing.T) {
	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetHeader(r, "X-Request-ID", "abc123")
		SetHeader(r, HeaderRemaining, "99")
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	}))

	rec := serve(h, http.MethodGet, "/")

	if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("expected X-Request-ID=abc123, got %s", got)
	}
	if got := rec.Header().Get(HeaderRemaining); got != "99" {
		t.Errorf("expected %s=99, got %s", HeaderRemaining, got)
	}
}

func TestHandler_JSONEncodingFailureBody(t *testing.T) {
	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]any{"channel": make(chan int)})
	}))

	rec := serve(h, http.MethodGet, "/")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("expected Content-Type text/plain, got %s", ct)
	}
	if body := rec.Body.String(); body != "Internal server error" {
		t.Errorf("expected body 'Internal server error', got %s", body)
	}
}

func TestHasState(t *testing.T) {
	var inside bool
	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		inside = HasState(r.Context())
	}))

	serve(h, http.MethodGet, "/")

	if !inside {
		t.Error("expected HasState to return true inside Handler")
	}
	if HasState(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context()) {
		t.Error("expected HasState to return false without Handler")
	}
}

func TestSetters_NoState(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	// Must not panic.
	SetError(req, ErrInternal)
	SetResponse(req, http.StatusOK, nil)
	SetHeader(req, "X-Test", "value")
}

func TestHandler_ConcurrentSetters(t *testing.T) {
	const goroutines = 50

	h := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		wg.Add(goroutines * 3)

		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				SetError(r, ErrNotFound)
			}()
			go func(idx int) {
				defer wg.Done()
				SetResponse(r, http.StatusOK, map[string]int{"id": idx})
			}(i)
			go func() {
				defer wg.Done()
				SetHeader(r, "X-Test", "value")
			}()
		}

		wg.Wait()
	}))

	rec := serve(h, http.MethodGet, "/")

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if rec.Header().Get("X-Test") != "value" {
		t.Errorf("expected X-Test=value, got %s", rec.Header().Get("X-Test"))
	}
}

func TestAPIError_Is(t *testing.T) {
	err := ErrNotFound.With("Window not found")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("expected errors.Is not to match ErrUnauthorized")
	}

	var nilErr *APIError
	if !nilErr.Is(nil) {
		t.Error("expected nil error to match nil target")
	}
	if nilErr.Is(ErrNotFound) {
		t.Error("expected nil error not to match non-nil target")
	}
	if nilErr.With("msg") != nil {
		t.Error("expected With() on nil receiver to return nil")
	}
	if nilErr.WithParam("msg", "param") != nil {
		t.Error("expected WithParam() on nil receiver to return nil")
	}
}

func TestAPIError_WithParam(t *testing.T) {
	err := ErrNotFound.WithParam("unknown policy", "policy")

	if err.Param != "policy" || err.Message != "unknown policy" {
		t.Errorf("unexpected error %+v", err)
	}
	if ErrNotFound.Param != "" {
		t.Error("WithParam must not modify the sentinel")
	}
}

func TestWithCanonlog_CreatesLogger(t *testing.T) {
	tests := []struct {
		name string
		opts []HandlerOption
		want bool
	}{
		{name: "enabled", opts: []HandlerOption{WithCanonlog()}, want: true},
		{name: "disabled", opts: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var found bool
			h := Handler(tt.opts...)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				_, found = canonlog.TryGetLogger(r.Context())
				SetResponse(r, http.StatusOK, nil)
			}))

			serve(h, http.MethodGet, "/test")

			if found != tt.want {
				t.Errorf("expected logger found=%v, got %v", tt.want, found)
			}
		})
	}
}

func TestWithCanonlogFields(t *testing.T) {
	var called bool
	h := Handler(
		WithCanonlog(),
		WithCanonlogFields(func(r *http.Request) map[string]any {
			called = true
			return map[string]any{"request_id": r.Header.Get("X-Request-ID")}
		}),
	)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, nil)
	}))

	serve(h, http.MethodGet, "/test")

	if !called {
		t.Error("expected canonlog fields function to be called")
	}
}

func TestWithCanonlog_ErrorsAndPanics(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Handler(WithCanonlog()))
	r.Get("/missing/{id}", func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, ErrNotFound.With("Window not found"))
	})
	r.Get("/panic", func(_ http.ResponseWriter, _ *http.Request) {
		panic("test panic")
	})

	if rec := serve(r, http.MethodGet, "/missing/42"); rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/panic"); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestHandler_RecordsRateLimitOutcome(t *testing.T) {
	l := newMiddlewareLimiter(t, 1)
	mw := NewMiddleware(l, "test", KeyByIP())

	var outcomes []*limitOutcome
	capture := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := getState(r.Context())
			next.ServeHTTP(w, r)
			state.mu.Lock()
			outcomes = append(outcomes, state.limit)
			state.mu.Unlock()
		})
	}

	h := Handler(WithCanonlog())(capture(mw.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, nil)
	}))))

	for range 2 {
		serve(h, http.MethodGet, "/")
	}

	if len(outcomes) != 2 || outcomes[0] == nil || outcomes[1] == nil {
		t.Fatalf("expected two recorded outcomes, got %v", outcomes)
	}
	if o := outcomes[0]; o.policy != "test" || !o.decision.Allowed || o.decision.TotalHits != 1 {
		t.Errorf("unexpected first outcome %+v", o)
	}
	if o := outcomes[1]; o.decision.Allowed || o.decision.Remaining != 0 {
		t.Errorf("expected denial recorded, got %+v", o)
	}

	fields := limitFields(outcomes[1])
	if fields["ratelimit_policy"] != "test" || fields["ratelimit_allowed"] != false || fields["ratelimit_total_hits"] != uint32(2) {
		t.Errorf("unexpected log fields %v", fields)
	}
}

func TestHandler_NoRateLimitOutcomeWhenSkipped(t *testing.T) {
	l := newMiddlewareLimiter(t, 1)
	mw := NewMiddleware(l, "test", KeyByHeader("X-Tenant"))

	var state *State
	h := Handler()(mw.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		state = getState(r.Context())
	})))

	serve(h, http.MethodGet, "/")

	if state == nil || state.limit != nil {
		t.Errorf("expected no outcome when the identifier is empty, got %+v", state)
	}
}

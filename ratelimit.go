// Rate limiting middleware for Chi and standard http.Handler.
//
// A Middleware binds one Limiter policy to a set of identifier dimensions
// (IP, header, endpoint, API key, etc.). Dimensions are joined with ':' to form
// the identifier, so a single middleware can limit per client, per tenant and
// endpoint, or any combination. Headers X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset are set on responses and a 429 (Too Many Requests) with a
// JSON body is returned when the policy denies the request.
//
// Single dimension example:
//
//	r.Use(ratekit.NewMiddleware(limiter, "api", ratekit.KeyByIP()).Handler)
//
// Multi-dimensional example:
//
//	mw := ratekit.NewMiddleware(limiter, "ai-provider-calls",
//	    ratekit.KeyByHeaderRequired("X-Tenant-ID"),
//	    ratekit.KeyByEndpoint(),
//	)
//	r.With(mw.Handler).Post("/completions", completions)
//
// Dimension options have *Required variants (e.g., KeyByHeaderRequired). When a
// required dimension is missing, the request is rejected with 400 Bad Request.
// When a non-required dimension is missing, it is left out of the identifier;
// if every dimension is missing, rate limiting is skipped for that request.

package ratekit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/nhalm/ratekit/policy"
)

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all responses (default).
	// Headers: X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers in any response.
	// Use this when you want rate limiting without exposing limits to clients.
	HeadersNever
)

// Response header names.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// keyFunc extracts an identifier component from an HTTP request.
// Returning an empty string indicates the value is missing.
type keyFunc func(*http.Request) string

// dimension holds a key function with validation metadata.
type dimension struct {
	fn       keyFunc
	required bool
	name     string // for error messages (e.g., "header X-Tenant-ID")
}

// Middleware enforces one policy on HTTP requests.
type Middleware struct {
	limiter    *Limiter
	policy     policy.Policy
	dims       []dimension
	headerMode HeaderMode
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// limitExceededResponse is the 429 body.
type limitExceededResponse struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
	Limit      uint32 `json:"limit"`
	Remaining  uint32 `json:"remaining"`
}

// WithHeaderMode configures when rate limit headers are included in responses.
func WithHeaderMode(mode HeaderMode) MiddlewareOption {
	return func(m *Middleware) {
		m.headerMode = mode
	}
}

// KeyByIP adds the client IP address (from RemoteAddr) to the identifier.
// Use this for direct connections without a proxy. RemoteAddr is always present.
func KeyByIP() MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					return r.RemoteAddr
				}
				return ip
			},
			name: "IP",
		})
	}
}

// KeyByRealIP adds the client IP from X-Forwarded-For or X-Real-IP headers.
// Use this when behind a proxy/load balancer.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func KeyByRealIP() MiddlewareOption {
	return keyByRealIP(false)
}

// KeyByRealIPRequired is KeyByRealIP but returns 400 Bad Request when neither
// header is present.
func KeyByRealIPRequired() MiddlewareOption {
	return keyByRealIP(true)
}

func keyByRealIP(required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					if idx := strings.Index(xff, ","); idx != -1 {
						return strings.TrimSpace(xff[:idx])
					}
					return strings.TrimSpace(xff)
				}
				return strings.TrimSpace(r.Header.Get("X-Real-IP"))
			},
			required: required,
			name:     "X-Forwarded-For or X-Real-IP header",
		})
	}
}

// KeyByEndpoint adds the HTTP method and path to the identifier.
// Component format: "<method>:<path>".
func KeyByEndpoint() MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				return r.Method + ":" + r.URL.Path
			},
			name: "endpoint",
		})
	}
}

// KeyByHeader adds a header value to the identifier.
func KeyByHeader(header string) MiddlewareOption {
	return keyByHeader(header, false)
}

// KeyByHeaderRequired adds a header value to the identifier.
// Returns 400 Bad Request when the header is missing.
func KeyByHeaderRequired(header string) MiddlewareOption {
	return keyByHeader(header, true)
}

func keyByHeader(header string, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				return r.Header.Get(header)
			},
			required: required,
			name:     fmt.Sprintf("header %s", header),
		})
	}
}

// KeyByQueryParam adds a query parameter value to the identifier.
func KeyByQueryParam(param string) MiddlewareOption {
	return keyByQueryParam(param, false)
}

// KeyByQueryParamRequired adds a query parameter value to the identifier.
// Returns 400 Bad Request when the parameter is missing.
func KeyByQueryParamRequired(param string) MiddlewareOption {
	return keyByQueryParam(param, true)
}

func keyByQueryParam(param string, required bool) MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				return r.URL.Query().Get(param)
			},
			required: required,
			name:     fmt.Sprintf("query param %s", param),
		})
	}
}

// KeyByAPIKey adds the SHA-256 hash of the API key stored by the APIKey
// middleware to the identifier. The raw key never reaches the store.
func KeyByAPIKey() MiddlewareOption {
	return func(m *Middleware) {
		m.dims = append(m.dims, dimension{
			fn: func(r *http.Request) string {
				key, ok := APIKeyFromContext(r.Context())
				if !ok || key == "" {
					return ""
				}
				return hashAPIKey(key)
			},
			name: "API key",
		})
	}
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewMiddleware creates rate limiting middleware enforcing the named policy.
// Returns 429 (Too Many Requests) when the policy denies a request, with rate
// limit headers and a Retry-After header in seconds.
// Returns 400 (Bad Request) if a *Required dimension is missing.
//
// At least one dimension option must be provided.
// Panics if no dimensions are configured or the policy is not registered.
//
// Dimension options:
//   - KeyByIP: RemoteAddr IP (direct connections)
//   - KeyByRealIP / KeyByRealIPRequired: X-Forwarded-For/X-Real-IP
//   - KeyByEndpoint: method:path
//   - KeyByHeader / KeyByHeaderRequired: header value
//   - KeyByQueryParam / KeyByQueryParamRequired: query parameter
//   - KeyByAPIKey: hashed API key from the APIKey middleware
func NewMiddleware(l *Limiter, policyName string, opts ...MiddlewareOption) *Middleware {
	p, ok := l.Policy(policyName)
	if !ok {
		panic(&ConfigError{Policy: policyName})
	}

	m := &Middleware{
		limiter:    l,
		policy:     p,
		headerMode: HeadersAlways,
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.dims) == 0 {
		panic("ratekit: must configure at least one key dimension option (KeyByIP, KeyByRealIP, KeyByEndpoint, KeyByHeader, KeyByQueryParam, or KeyByAPIKey)")
	}
	return m
}

// Handler returns the rate limiting middleware.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		useWrapper := HasState(r.Context())

		identifier, missingDim := m.identifier(r)

		if missingDim != "" {
			errMsg := fmt.Sprintf("Missing required %s", missingDim)
			if useWrapper {
				SetError(r, ErrBadRequest.With(errMsg))
			} else {
				http.Error(w, errMsg, http.StatusBadRequest)
			}
			return
		}

		if identifier == "" {
			next.ServeHTTP(w, r)
			return
		}

		d, err := m.limiter.Check(r.Context(), m.policy.Name, identifier)
		if err != nil {
			var cfgErr *ConfigError
			errMsg := "Rate limit check failed"
			if errors.As(err, &cfgErr) {
				errMsg = cfgErr.Error()
			}
			if useWrapper {
				SetError(r, ErrInternal.With(errMsg))
			} else {
				http.Error(w, errMsg, http.StatusInternalServerError)
			}
			return
		}

		if state := getState(r.Context()); state != nil {
			state.recordLimit(m.policy.Name, d)
		}

		setHeaders := m.headerMode == HeadersAlways || (m.headerMode == HeadersOnLimitExceeded && !d.Allowed)
		if setHeaders {
			header(w, r, useWrapper, HeaderLimit, strconv.FormatUint(uint64(d.Limit), 10))
			header(w, r, useWrapper, HeaderRemaining, strconv.FormatUint(uint64(d.Remaining), 10))
			header(w, r, useWrapper, HeaderReset, strconv.FormatInt(resetSeconds(d), 10))
		}

		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		if setHeaders {
			header(w, r, useWrapper, HeaderRetryAfter, strconv.FormatInt(d.RetryAfterSeconds(), 10))
		}

		body := limitExceededResponse{
			Error:      fmt.Sprintf("Rate limit exceeded: %d requests per %s", m.policy.MaxRequests, m.policy.Window),
			RetryAfter: d.RetryAfterSeconds(),
			Limit:      d.Limit,
			Remaining:  d.Remaining,
		}
		if useWrapper {
			SetResponse(r, http.StatusTooManyRequests, body)
		} else {
			writeJSON(w, http.StatusTooManyRequests, body)
		}
	})
}

// identifier joins all dimensions with ':'.
// Returns (identifier, missingDimName). If missingDimName is non-empty, a required dimension was missing.
func (m *Middleware) identifier(r *http.Request) (string, string) {
	var sb strings.Builder
	hasContent := false

	for _, dim := range m.dims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return "", dim.name
			}
			continue
		}
		if hasContent {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
		hasContent = true
	}

	return sb.String(), ""
}

func header(w http.ResponseWriter, r *http.Request, useWrapper bool, key, value string) {
	if useWrapper {
		SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}

// resetSeconds rounds ResetAt up to whole epoch seconds.
func resetSeconds(d Decision) int64 {
	ms := d.ResetAt.UnixMilli()
	secs := ms / 1000
	if ms%1000 != 0 {
		secs++
	}
	return secs
}

package ratekit

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type authContextKey string

const apiKeyKey authContextKey = "api_key"

// APIKeyValidator validates an API key and returns true if valid.
// The validator function is provided by the application and can check
// against a database, cache, or any other validation mechanism.
//
// Thread safety: Validators are called concurrently from multiple goroutines
// and must be safe for concurrent use. Avoid shared mutable state.
type APIKeyValidator func(key string) bool

type apiKeyConfig struct {
	header    string
	validator APIKeyValidator
	optional  bool
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*apiKeyConfig)

// WithAPIKeyHeader sets the header to read the API key from.
// Default is "X-API-Key".
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *apiKeyConfig) {
		c.header = header
	}
}

// WithOptionalAPIKey makes the API key optional.
// When set, requests without an API key are allowed through without validation.
// The API key will not be present in the context for these requests.
func WithOptionalAPIKey() APIKeyOption {
	return func(c *apiKeyConfig) {
		c.optional = true
	}
}

// APIKey returns middleware that validates API keys from a header.
// Returns 401 (Unauthorized) if the key is missing (when required) or invalid.
// The validated key is stored in the request context for APIKeyFromContext and
// KeyByAPIKey.
//
// Example:
//
//	r.Use(ratekit.APIKey(ratekit.StaticAPIKeys(keys...)))
//	r.Use(ratekit.NewMiddleware(limiter, "ai-provider-calls", ratekit.KeyByAPIKey()).Handler)
func APIKey(validator APIKeyValidator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	cfg := apiKeyConfig{
		header:    "X-API-Key",
		validator: validator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.header)

			if key == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, r, "Missing API key")
				return
			}

			if !cfg.validator(key) {
				unauthorized(w, r, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	if HasState(r.Context()) {
		SetError(r, ErrUnauthorized.With(msg))
		return
	}
	http.Error(w, msg, http.StatusUnauthorized)
}

// StaticAPIKeys returns a validator accepting exactly the given keys.
// Comparison is constant time per key.
func StaticAPIKeys(keys ...string) APIKeyValidator {
	allowed := make([][]byte, len(keys))
	for i, k := range keys {
		allowed[i] = []byte(k)
	}
	return func(key string) bool {
		candidate := []byte(key)
		match := 0
		for _, k := range allowed {
			match |= subtle.ConstantTimeCompare(candidate, k)
		}
		return match == 1
	}
}

// APIKeyFromContext retrieves the validated API key from the request context.
// Returns the key and true if present, or empty string and false if not present.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}

package ratekit

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// statusResponse is the body of GET /{policy}/{identifier}.
type statusResponse struct {
	Policy     string `json:"policy"`
	Identifier string `json:"identifier"`
	Allowed    bool   `json:"allowed"`
	Limit      uint32 `json:"limit"`
	Remaining  uint32 `json:"remaining"`
	TotalHits  uint32 `json:"totalHits"`
	ResetAt    int64  `json:"resetAt"`
	RetryAfter int64  `json:"retryAfter"`
	Degraded   bool   `json:"degraded"`
}

// AdminHandler returns operator endpoints for inspecting and clearing windows:
//
//	GET    /{policy}/{identifier}  window status (does not consume a slot)
//	DELETE /{policy}/{identifier}  reset the window
//
// The identifier is the rest of the path, so identifiers built with
// KeyByEndpoint may contain "/" either raw or escaped as %2F.
// Unknown policies answer 404. A failed reset answers 503.
// Mount it behind authentication:
//
//	r.Route("/admin/ratelimits", func(r chi.Router) {
//		r.Use(ratekit.APIKey(adminKeys))
//		r.Mount("/", ratekit.AdminHandler(limiter))
//	})
func AdminHandler(l *Limiter) http.Handler {
	r := chi.NewRouter()

	r.Get("/{policy}/*", func(w http.ResponseWriter, r *http.Request) {
		policyName := chi.URLParam(r, "policy")
		identifier, ok := adminIdentifier(w, r)
		if !ok {
			return
		}

		d, err := l.Status(r.Context(), policyName, identifier)
		if err != nil {
			adminError(w, r, err)
			return
		}

		adminRespond(w, r, http.StatusOK, statusResponse{
			Policy:     policyName,
			Identifier: identifier,
			Allowed:    d.Allowed,
			Limit:      d.Limit,
			Remaining:  d.Remaining,
			TotalHits:  d.TotalHits,
			ResetAt:    resetSeconds(d),
			RetryAfter: d.RetryAfterSeconds(),
			Degraded:   d.Degraded,
		})
	})

	r.Delete("/{policy}/*", func(w http.ResponseWriter, r *http.Request) {
		identifier, ok := adminIdentifier(w, r)
		if !ok {
			return
		}
		if err := l.Reset(r.Context(), chi.URLParam(r, "policy"), identifier); err != nil {
			adminError(w, r, err)
			return
		}
		if HasState(r.Context()) {
			SetResponse(r, http.StatusNoContent, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// adminIdentifier returns the decoded identifier path segment. Chi matches on
// the escaped path when the request has one, so %2F arrives undecoded.
func adminIdentifier(w http.ResponseWriter, r *http.Request) (string, bool) {
	identifier := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		decoded, err := url.PathUnescape(identifier)
		if err != nil {
			adminFail(w, r, ErrBadRequest.WithParam("Malformed identifier", "identifier"))
			return "", false
		}
		identifier = decoded
	}
	if identifier == "" {
		adminFail(w, r, ErrNotFound.WithParam("Identifier is required", "identifier"))
		return "", false
	}
	return identifier, true
}

func adminError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := ErrServiceUnavailable.With("Rate limit store unavailable")
	if errors.Is(err, ErrUnknownPolicy) {
		apiErr = ErrNotFound.WithParam(err.Error(), "policy")
	}
	adminFail(w, r, apiErr)
}

func adminFail(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	if HasState(r.Context()) {
		SetError(r, apiErr)
		return
	}
	writeJSON(w, apiErr.Status, errorResponse{Error: apiErr})
}

func adminRespond(w http.ResponseWriter, r *http.Request, status int, body any) {
	if HasState(r.Context()) {
		SetResponse(r, status, body)
		return
	}
	writeJSON(w, status, body)
}

package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhalm/ratekit"
	"github.com/nhalm/ratekit/internal/config"
)

// newRouter wires the protected routes. Each demo route is mounted only when
// its policy is configured.
//
//	GET  /healthz                              unlimited
//	GET  /metrics                              unlimited
//	GET  /api/*                                "api", per client IP
//	POST /ai/completions                       "ai-provider-calls", per API key (per IP without client keys)
//	POST /leads                                "lead-submission", per client IP and endpoint
//	GET|DELETE /admin/ratelimits/{policy}/{id} admin keys only
func newRouter(l *ratekit.Limiter, cfg *config.Config, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(ratekit.Handler(ratekit.WithCanonlog(), ratekit.WithCanonlogFields(requestFields)))

		if _, ok := l.Policy("api"); ok {
			r.Route("/api", func(r chi.Router) {
				r.Use(ratekit.NewMiddleware(l, "api", ratekit.KeyByIP()).Handler)
				r.Get("/*", accepted)
			})
		}

		if _, ok := l.Policy("ai-provider-calls"); ok {
			r.Group(func(r chi.Router) {
				if len(cfg.Auth.ClientKeys) > 0 {
					r.Use(ratekit.APIKey(ratekit.StaticAPIKeys(cfg.Auth.ClientKeys...)))
					r.Use(ratekit.NewMiddleware(l, "ai-provider-calls", ratekit.KeyByAPIKey()).Handler)
				} else {
					r.Use(ratekit.NewMiddleware(l, "ai-provider-calls", ratekit.KeyByIP()).Handler)
				}
				r.Post("/ai/completions", accepted)
			})
		}

		if _, ok := l.Policy("lead-submission"); ok {
			r.With(ratekit.NewMiddleware(l, "lead-submission", ratekit.KeyByIP(), ratekit.KeyByEndpoint()).Handler).
				Post("/leads", accepted)
		}

		if len(cfg.Auth.AdminKeys) > 0 {
			r.Route("/admin/ratelimits", func(r chi.Router) {
				r.Use(ratekit.APIKey(ratekit.StaticAPIKeys(cfg.Auth.AdminKeys...)))
				r.Mount("/", ratekit.AdminHandler(l))
			})
		}
	})

	return r
}

func accepted(_ http.ResponseWriter, r *http.Request) {
	ratekit.SetResponse(r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func requestFields(r *http.Request) map[string]any {
	return map[string]any{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}
}

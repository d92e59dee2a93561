package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sark-gateway/sark/pkg/apikeys"
	"github.com/sark-gateway/sark/pkg/auth"
	"github.com/sark-gateway/sark/pkg/policy"
	"github.com/sark-gateway/sark/pkg/ratelimit"
)

// Server wires the gateway subsystems behind the HTTP facade.
type Server struct {
	auth    *auth.Core
	keys    *apikeys.Service
	pde     *policy.PDE
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

// NewServer assembles the facade.
func NewServer(authCore *auth.Core, keys *apikeys.Service, pde *policy.PDE, limiter *ratelimit.Limiter, log *slog.Logger) *Server {
	return &Server{
		auth:    authCore,
		keys:    keys,
		pde:     pde,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Unauthenticated routes, limited per client address.
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitPublic)
		r.Post("/auth/login/{provider}", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Get("/auth/providers", s.handleProviders)
	})

	// Authenticated routes, limited per identity.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimitAuthenticated)

		r.Post("/auth/revoke", s.handleRevoke)
		r.Get("/auth/me", s.handleMe)

		r.Route("/auth/api-keys", func(r chi.Router) {
			r.Use(s.requireScopes("keys:manage"))
			r.Post("/", s.handleKeyCreate)
			r.Get("/", s.handleKeyList)
			r.Delete("/{id}", s.handleKeyRevoke)
			r.Post("/{id}/rotate", s.handleKeyRotate)
			r.Post("/{id}/finalize", s.handleKeyFinalize)
		})

		r.With(s.requireScopes("policy:read")).
			Post("/policy/evaluate", s.handleEvaluate)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", clientIP(r),
		)
	})
}

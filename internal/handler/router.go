package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/metrics"
	"security-core/internal/service"
	"security-core/internal/util"
)

// RouterDeps is everything NewRouter mounts.
type RouterDeps struct {
	Config   *config.Config
	Services *service.ServiceFactory
	Metrics  *metrics.Registry
	Searcher AlertSearcher
	// Health reports backend reachability; nil means always healthy.
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(d RouterDeps) chi.Router {
	cfg := d.Config
	svc := d.Services
	logger := d.Logger

	router := chi.NewRouter()

	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		logger.Error("Ignoring forwarding headers", zap.Error(err))
		proxies = nil
	}
	router.Use(TrustedRealIP(proxies))
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(d.Metrics.Instrument)

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	router.Use(middleware.Timeout(timeout))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Device-Fingerprint", "X-Geo-Location"},
		ExposedHeaders:   []string{"Link", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if d.Health != nil {
			if err := d.Health(r.Context()); err != nil {
				util.Warn("Health check failed", util.ErrorField(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy","service":"security-core"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"security-core"}`))
	})
	router.Handle("/metrics", d.Metrics.Handler())

	mw := NewMiddleware(svc.Credentials, svc.Tokens, svc.RBAC, logger)
	authHandler := NewAuthHandler(svc.Auth, svc.Credentials, logger)
	mfaHandler := NewMFAHandler(svc.MFA, svc.Audit, logger)
	rbacHandler := NewRBACHandler(svc.RBAC, svc.Audit, logger)
	alertHandler := NewAlertHandler(svc.Alerts, svc.Credentials, svc.Audit, d.Searcher, mw, logger)
	auditHandler := NewAuditHandler(svc.Audit, logger)

	// API routes
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.IPGate)

		r.Route("/auth", func(r chi.Router) {
			authHandler.RegisterPublicRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(mw.Authenticate)
				authHandler.RegisterRoutes(r)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.Authenticate)

			r.Route("/mfa", mfaHandler.RegisterRoutes)
			r.Route("/rbac", func(r chi.Router) {
				r.Use(mw.RequirePermission("rbac:manage"))
				rbacHandler.RegisterRoutes(r)
			})
			r.Route("/alerts", alertHandler.RegisterRoutes)
			r.Route("/audit", func(r chi.Router) {
				r.Use(mw.RequirePermission("audit:read"))
				auditHandler.RegisterRoutes(r)
			})
		})
	})

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"success":false,"error":"method not allowed"}`))
	})

	return router
}

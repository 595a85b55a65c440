package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/promptq/promptq/internal/api/middleware"
	"github.com/promptq/promptq/internal/api/response"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	DispatchHandler   http.HandlerFunc
	GetPromptHandler  http.HandlerFunc
	WaitPromptHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc

	// RelayHandler serves websocket connections at RelayPathPrefix/{token}.
	// The rendezvous token is itself the capability, so the relay route is
	// outside the API key middleware.
	RelayHandler    http.HandlerFunc
	RelayPathPrefix string
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check and metrics
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Handle("/metrics", promhttp.Handler())

	// Relay endpoint
	if deps.RelayHandler != nil {
		prefix := deps.RelayPathPrefix
		if prefix == "" {
			prefix = "/ws"
		}
		r.Get(prefix+"/{token}", deps.RelayHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/prompts", orNotImplemented(deps.DispatchHandler))
		r.Get("/api/v1/prompts/{handleID}", orNotImplemented(deps.GetPromptHandler))
		r.Get("/api/v1/prompts/{handleID}/wait", orNotImplemented(deps.WaitPromptHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

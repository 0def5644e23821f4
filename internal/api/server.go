package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserplane/internal/metrics"
	"github.com/shehryarbajwa/browserplane/internal/proxy"
	"github.com/shehryarbajwa/browserplane/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. A nil rateLimiter disables rate
// limiting.
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Session lifecycle and command endpoints are rate limited
	limited := api.PathPrefix("").Subrouter()
	if rateLimiter != nil {
		limited.Use(RateLimitMiddleware(rateLimiter))
	}
	limited.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	limited.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	limited.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	limited.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	limited.HandleFunc("/sessions/{id}/commands", h.ExecuteCommand).Methods("POST")
	limited.HandleFunc("/sessions/{id}/navigate", h.NavigateSession).Methods("POST", "OPTIONS")

	// Screenshot endpoint (not rate limited - frequent polling)
	api.HandleFunc("/sessions/{id}/screenshot", h.GetSessionScreenshot).Methods("GET")

	// Debug endpoints (not rate limited)
	api.HandleFunc("/sessions/{id}/debug", h.GetDebugURL).Methods("GET")
	api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, mux.Vars(r)["id"])
	}).Methods("GET")

	api.HandleFunc("/projects/{id}/usage", h.GetProjectUsage).Methods("GET")

	r.Use(loggingMiddleware(h.logger))
	r.Use(corsMiddleware)

	return r
}

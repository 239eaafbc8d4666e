// Package api hosts the manager's HTTP surface: the ingest endpoints the
// agents push to, and the query endpoints operators and the dashboard
// read from.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/config"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/ingest"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/logging"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/store"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/usage"
)

// Router handles HTTP routing
type Router struct {
	mux    *http.ServeMux
	config *config.Config
	store  *store.Store
	ingest *ingest.Service
	usage  *usage.Calculator
}

// NewRouter creates a new router instance
func NewRouter(cfg *config.Config, st *store.Store, ing *ingest.Service, calc *usage.Calculator) http.Handler {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		store:  st,
		ingest: ing,
		usage:  calc,
	}

	r.setupRoutes()
	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return RequireAuth(r.config, h)
	}

	// Health stays open so load balancers can poll it
	r.mux.HandleFunc("/api/health", r.handleHealth)

	// Ingest routes (agent-facing)
	r.mux.HandleFunc("/api/ingest/register", auth(r.handleRegister))
	r.mux.HandleFunc("/api/ingest/vm-start", auth(r.handleVMStart))
	r.mux.HandleFunc("/api/ingest/vm-stop", auth(r.handleVMStop))
	r.mux.HandleFunc("/api/ingest/vm-states", auth(r.handleVMStates))
	r.mux.HandleFunc("/api/ingest/heartbeat", auth(r.handleHeartbeat))
	r.mux.HandleFunc("/api/ingest/force-sync", auth(r.handleForceSync))

	// Query routes
	r.mux.HandleFunc("/api/nodes", auth(r.handleNodes))
	r.mux.HandleFunc("/api/nodes/", auth(r.handleNodeByName))
	r.mux.HandleFunc("/api/vms", auth(r.handleVMs))
	r.mux.HandleFunc("/api/vms/", auth(r.handleVMSubpath))
	r.mux.HandleFunc("/api/sessions", auth(r.handleSessions))
	r.mux.HandleFunc("/api/sessions/", auth(r.handleSessionSubpath))
	r.mux.HandleFunc("/api/rentals", auth(r.handleRentals))
	r.mux.HandleFunc("/api/rentals/", auth(r.handleRentalSubpath))

	// Prometheus metrics
	r.mux.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.HasPrefix(req.URL.Path, "/api/") {
		r.addSecurityHeaders(w)
	}

	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
	req = req.WithContext(ctx)
	w.Header().Set("X-Request-ID", requestID)

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("requestID", requestID).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// addSecurityHeaders adds security headers to the response
func (r *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}

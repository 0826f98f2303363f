package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Middleware wraps a route's handler; route is the registered pattern.
type Middleware func(route string, next http.Handler) http.Handler

// Router uses the standard library http.ServeMux with method patterns.
type Router struct {
	mux        *http.ServeMux
	middleware Middleware
	logger     *zap.Logger
}

func NewRouter(logger *zap.Logger, middleware Middleware) *Router {
	return &Router{
		mux:        http.NewServeMux(),
		middleware: middleware,
		logger:     logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.HandleHandler(pattern, h)
}

func (r *Router) HandleHandler(pattern string, h http.Handler) {
	if r.middleware != nil {
		h = r.middleware(pattern, h)
	}
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterTelemetryRoutes device intake and the pull views.
func (r *Router) RegisterTelemetryRoutes(h *TelemetryHandler) {
	r.Handle("POST /api/telemetry/receive", h.Receive)
	r.Handle("GET /api/telemetry/devices/{id}/snapshot", h.Snapshot)
	r.Handle("GET /api/telemetry/devices/{id}/readings", h.History)
	r.Handle("GET /api/telemetry/patients/{id}/snapshot", h.PatientSnapshot)
}

// RegisterIncidentRoutes operator actions.
func (r *Router) RegisterIncidentRoutes(h *IncidentHandler) {
	r.Handle("POST /api/incidents/{id}/acknowledge", h.Acknowledge)
	r.Handle("POST /api/incidents/{id}/resolve", h.Resolve)
	r.Handle("GET /api/incidents", h.ListOpen)
	r.Handle("GET /api/incidents/history", h.History)
}

// RegisterRealtimeRoutes the dashboard push channel.
func (r *Router) RegisterRealtimeRoutes(ws http.Handler) {
	// websocket upgrades need the raw ResponseWriter, so no middleware
	r.mux.Handle("GET /api/telemetry/ws", ws)
}

// RegisterOpsRoutes health and metrics.
func (r *Router) RegisterOpsRoutes(health http.HandlerFunc, metrics http.Handler) {
	r.Handle("GET /health", health)
	if metrics != nil {
		r.mux.Handle("GET /metrics", metrics)
	}
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// IncidentService operator-facing incident operations.
type IncidentService interface {
	Acknowledge(ctx context.Context, incidentID string) (models.Incident, error)
	Resolve(ctx context.Context, incidentID string) (models.Incident, error)
	Open() []models.Incident
	History(ctx context.Context, window time.Duration) ([]models.Incident, error)
}

// IncidentHandler operator actions on incidents.
type IncidentHandler struct {
	incidents     IncidentService
	historyWindow time.Duration
	logger        *zap.Logger
}

// NewIncidentHandler creates the handler; historyWindow is the default
// look-back of the history listing.
func NewIncidentHandler(incidents IncidentService, historyWindow time.Duration, logger *zap.Logger) *IncidentHandler {
	return &IncidentHandler{
		incidents:     incidents,
		historyWindow: historyWindow,
		logger:        logger,
	}
}

// Acknowledge POST /api/incidents/{id}/acknowledge
func (h *IncidentHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "acknowledge", h.incidents.Acknowledge)
}

// Resolve POST /api/incidents/{id}/resolve
func (h *IncidentHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resolve", h.incidents.Resolve)
}

func (h *IncidentHandler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (models.Incident, error)) {
	id := r.PathValue("id")
	inc, err := fn(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Incident action failed",
				zap.String("action", action),
				zap.String("incident_id", id),
				zap.Error(err),
			)
		}
		writeJSON(w, status, Fail(reasonFor(err), err.Error()))
		return
	}

	h.logger.Info("Incident action applied",
		zap.String("action", action),
		zap.String("incident_id", id),
		zap.String("status", string(inc.Status)),
	)
	writeJSON(w, http.StatusOK, Ok(models.NewIncidentUpdate(&inc)))
}

// ListOpen GET /api/incidents
func (h *IncidentHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	open := h.incidents.Open()
	out := make([]models.IncidentUpdate, 0, len(open))
	for i := range open {
		out = append(out, models.NewIncidentUpdate(&open[i]))
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// History GET /api/incidents/history?window=24h
//
// Incidents opened or closed within the window, resolved ones included,
// plus every incident still open.
func (h *IncidentHandler) History(w http.ResponseWriter, r *http.Request) {
	window, err := queryDuration(r, "window", h.historyWindow)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(reasonInvalidQuery, err.Error()))
		return
	}

	incidents, err := h.incidents.History(r.Context(), window)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to list incident history", zap.Duration("window", window), zap.Error(err))
		}
		writeJSON(w, status, Fail(reasonFor(err), err.Error()))
		return
	}

	out := make([]models.IncidentUpdate, 0, len(incidents))
	for i := range incidents {
		out = append(out, models.NewIncidentUpdate(&incidents[i]))
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

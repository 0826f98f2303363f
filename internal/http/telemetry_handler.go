package httpapi

import (
	"context"
	"errors"
	"net/http"

	"hemis-telemetry/internal/cache"
	"hemis-telemetry/internal/ingress"
	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// RecordIngester accepts decoded device records.
type RecordIngester interface {
	IngestRecord(ctx context.Context, rec ingress.Record) (ingress.RecordResult, error)
}

// SnapshotSource serves the pull views of devices and patients.
type SnapshotSource interface {
	Snapshot(ctx context.Context, deviceID string) (cache.Snapshot, error)
	PatientSnapshot(ctx context.Context, patientID string) (cache.PatientSnapshot, error)
	ReadingHistory(ctx context.Context, deviceID string, limit int) ([]models.ReadingUpdate, error)
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// TelemetryHandler device intake over HTTP.
type TelemetryHandler struct {
	ingress   RecordIngester
	snapshots SnapshotSource
	logger    *zap.Logger
}

func NewTelemetryHandler(in RecordIngester, snapshots SnapshotSource, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		ingress:   in,
		snapshots: snapshots,
		logger:    logger,
	}
}

// Receive POST /api/telemetry/receive
//
// 201 with per-metric outcomes when at least one metric was accepted,
// 422 when every metric was rejected.
func (h *TelemetryHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(models.CodeInvalidPayload, "failed to read body"))
		return
	}

	rec, err := ingress.DecodeRecord(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(reasonFor(err), err.Error()))
		return
	}

	result, err := h.ingress.IngestRecord(r.Context(), rec)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to ingest record",
				zap.String("device_id", rec.DeviceID),
				zap.Error(err),
			)
		}
		writeJSON(w, status, FailWith(reasonFor(err), err.Error(), result))
		return
	}

	if len(result.Accepted) == 0 {
		reason := models.CodeInvalidValue
		if len(result.Rejected) > 0 {
			reason = result.Rejected[0].Code
		}
		writeJSON(w, http.StatusUnprocessableEntity, FailWith(reason, "no reading accepted", result))
		return
	}

	writeJSON(w, http.StatusCreated, Ok(result))
}

// Snapshot GET /api/telemetry/devices/{id}/snapshot
func (h *TelemetryHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	snap, err := h.snapshots.Snapshot(r.Context(), deviceID)
	if err != nil {
		h.fail(w, "Failed to build snapshot", zap.String("device_id", deviceID), err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(snap))
}

// PatientSnapshot GET /api/telemetry/patients/{id}/snapshot
func (h *TelemetryHandler) PatientSnapshot(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")
	snap, err := h.snapshots.PatientSnapshot(r.Context(), patientID)
	if err != nil {
		h.fail(w, "Failed to build patient snapshot", zap.String("patient_id", patientID), err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(snap))
}

// History GET /api/telemetry/devices/{id}/readings?limit=100
func (h *TelemetryHandler) History(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	limit, err := queryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(reasonInvalidQuery, err.Error()))
		return
	}

	readings, err := h.snapshots.ReadingHistory(r.Context(), deviceID, limit)
	if err != nil {
		h.fail(w, "Failed to read reading history", zap.String("device_id", deviceID), err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(readings))
}

func (h *TelemetryHandler) fail(w http.ResponseWriter, msg string, subject zap.Field, err error) {
	if !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrUnknownDevice) {
		h.logger.Error(msg, subject, zap.Error(err))
	}
	writeJSON(w, statusFor(err), Fail(reasonFor(err), err.Error()))
}

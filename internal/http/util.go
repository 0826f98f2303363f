package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"hemis-telemetry/internal/models"
)

// maxBodyBytes caps request bodies; device records are small.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// reason for a malformed query parameter
const reasonInvalidQuery = "invalid_query"

// queryInt reads a positive integer query parameter, def when absent,
// capped at max.
func queryInt(r *http.Request, key string, def, max int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	if n > max {
		n = max
	}
	return n, nil
}

// queryDuration reads a positive Go duration query parameter ("6h", "90m").
func queryDuration(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration such as 24h", key)
	}
	return d, nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownDevice),
		errors.Is(err, models.ErrIncidentNotFound),
		errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidPayload),
		errors.Is(err, models.ErrInvalidQuality):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownMetric),
		errors.Is(err, models.ErrInvalidValue):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// reasonFor returns the reject code for err, falling back to a generic code.
func reasonFor(err error) string {
	if code := models.ReasonCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, models.ErrIncidentNotFound):
		return "incident_not_found"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	}
	return "internal_error"
}

package httpapi

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck one named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler GET /health: 200 when every check passes, 503 otherwise.
func HealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		details := map[string]string{}
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				details[c.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			details[c.Name] = "ok"
		}

		if status != http.StatusOK {
			writeJSON(w, status, FailWith("unhealthy", "dependency check failed", details))
			return
		}
		writeJSON(w, status, Ok(details))
	}
}

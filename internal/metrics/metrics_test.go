package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"hemis-telemetry/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() int { return 3 })

	m.ReadingAccepted(models.MetricHeartRate)
	m.ReadingAccepted(models.MetricHeartRate)
	m.ReadingRejected(models.CodeUnknownDevice)
	m.RuleSkipped(models.Rule{ID: "fever"}, errors.New("timeout"))
	m.IncidentTransition(models.Incident{Status: models.IncidentOpen})
	m.IncidentTransition(models.Incident{Status: models.IncidentResolved})
	m.EventDropped()
	m.JobDropped("evaluate")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReadingsAccepted.WithLabelValues(models.MetricHeartRate)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReadingsRejected.WithLabelValues(models.CodeUnknownDevice)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EvaluationsSkipped.WithLabelValues("fever")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IncidentTransitions.WithLabelValues("open")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IncidentTransitions.WithLabelValues("resolved")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HubDropped))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PipelineDropped.WithLabelValues("evaluate")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var gauge float64
	for _, f := range families {
		if f.GetName() == "telemetry_hub_subscribers" {
			gauge = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(3), gauge)
}

func TestMetrics_Middleware(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil)
	h := m.Middleware("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestCounter.WithLabelValues("/health", http.MethodGet, "418")))
}

package metrics

import (
	"net/http"
	"strconv"

	"hemis-telemetry/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics telemetry pipeline collectors.
type Metrics struct {
	ReadingsAccepted    *prometheus.CounterVec
	ReadingsRejected    *prometheus.CounterVec
	EvaluationsSkipped  *prometheus.CounterVec
	IncidentTransitions *prometheus.CounterVec
	HubDropped          prometheus.Counter
	PipelineDropped     *prometheus.CounterVec
	RequestCounter      *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. subscribers, when
// non-nil, backs the connected-subscribers gauge.
func New(reg prometheus.Registerer, subscribers func() int) *Metrics {
	m := &Metrics{
		ReadingsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_readings_accepted_total",
				Help: "Readings accepted by ingress, by metric.",
			},
			[]string{"metric"},
		),
		ReadingsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_readings_rejected_total",
				Help: "Readings rejected by ingress, by reason code.",
			},
			[]string{"reason"},
		),
		EvaluationsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_rule_evaluations_skipped_total",
				Help: "Rule evaluations abandoned because the reading history was unavailable.",
			},
			[]string{"rule"},
		),
		IncidentTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_incident_transitions_total",
				Help: "Incident transitions, by resulting status.",
			},
			[]string{"status"},
		),
		HubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_hub_events_dropped_total",
			Help: "Events dropped from slow subscriber buffers.",
		}),
		PipelineDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_pipeline_jobs_dropped_total",
				Help: "Jobs dropped because a pipeline queue was full, by dispatcher.",
			},
			[]string{"dispatcher"},
		),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_http_requests_total",
				Help: "HTTP requests by route and status.",
			},
			[]string{"route", "method", "status"},
		),
	}

	reg.MustRegister(
		m.ReadingsAccepted,
		m.ReadingsRejected,
		m.EvaluationsSkipped,
		m.IncidentTransitions,
		m.HubDropped,
		m.PipelineDropped,
		m.RequestCounter,
	)
	if subscribers != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "telemetry_hub_subscribers",
				Help: "Connected dashboard subscribers.",
			},
			func() float64 { return float64(subscribers()) },
		))
	}
	return m
}

// ReadingAccepted implements the ingress observer.
func (m *Metrics) ReadingAccepted(metricID string) {
	m.ReadingsAccepted.WithLabelValues(metricID).Inc()
}

// ReadingRejected implements the ingress observer.
func (m *Metrics) ReadingRejected(reason string) {
	m.ReadingsRejected.WithLabelValues(reason).Inc()
}

// RuleSkipped counts an abandoned rule evaluation.
func (m *Metrics) RuleSkipped(rule models.Rule, _ error) {
	m.EvaluationsSkipped.WithLabelValues(rule.ID).Inc()
}

// IncidentTransition counts a published incident state.
func (m *Metrics) IncidentTransition(inc models.Incident) {
	m.IncidentTransitions.WithLabelValues(string(inc.Status)).Inc()
}

// EventDropped counts one hub drop.
func (m *Metrics) EventDropped() {
	m.HubDropped.Inc()
}

// JobDropped counts one dispatcher drop.
func (m *Metrics) JobDropped(dispatcher string) {
	m.PipelineDropped.WithLabelValues(dispatcher).Inc()
}

// Middleware counts requests per route pattern.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.RequestCounter.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

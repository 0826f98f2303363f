package repository

import (
	"context"
	"time"

	"hemis-telemetry/internal/models"
)

// DeviceRepository devices table
type DeviceRepository interface {
	// GetDevice returns models.ErrNotFound for unregistered ids.
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
	ListDevicesForPatient(ctx context.Context, patientID string) ([]models.Device, error)
	UpsertDevice(ctx context.Context, device *models.Device) error
	// TouchLastSeen only moves last_seen_at forward.
	TouchLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error
}

// MetricRepository metrics table (reference data)
type MetricRepository interface {
	ListMetrics(ctx context.Context) ([]models.Metric, error)
	UpsertMetric(ctx context.Context, metric *models.Metric) error
}

// ReadingRepository append-only reading log
type ReadingRepository interface {
	// InsertReading stores r and returns its id.
	InsertReading(ctx context.Context, r *models.Reading) (int64, error)
	// ListReadingsInWindow returns readings with from <= ts <= to and the given quality, oldest first.
	ListReadingsInWindow(ctx context.Context, deviceID, metricID string, from, to time.Time, quality models.Quality) ([]models.Reading, error)
	// ListRecentReadings returns up to limit readings of a device, newest first.
	ListRecentReadings(ctx context.Context, deviceID string, limit int) ([]models.Reading, error)
	// LatestReadings returns the newest reading per metric for a device.
	LatestReadings(ctx context.Context, deviceID string) ([]models.Reading, error)
}

// RuleRepository rules and rule_assignments tables
type RuleRepository interface {
	ListRules(ctx context.Context) ([]models.Rule, error)
	UpsertRule(ctx context.Context, rule *models.Rule) error
	SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error
	ListAssignments(ctx context.Context) ([]models.RuleAssignment, error)
	InsertAssignment(ctx context.Context, a *models.RuleAssignment) error
	DeleteAssignment(ctx context.Context, assignmentID string) error
}

// IncidentRepository incidents table
type IncidentRepository interface {
	// CreateIncident returns models.ErrInvariantViolation when a non-resolved
	// incident already exists for the same key.
	CreateIncident(ctx context.Context, inc *models.Incident) error
	TouchIncident(ctx context.Context, incidentID string, observedAt time.Time, firingCount int) error
	UpdateIncidentStatus(ctx context.Context, incidentID string, status models.IncidentStatus, closedAt *time.Time) error
	GetIncident(ctx context.Context, incidentID string) (*models.Incident, error)
	ListOpenIncidents(ctx context.Context) ([]models.Incident, error)
	// ListIncidentsSince returns incidents opened or closed at or after since,
	// plus every one still open, newest first.
	ListIncidentsSince(ctx context.Context, since time.Time) ([]models.Incident, error)
}

// Store every table the telemetry core touches.
type Store interface {
	DeviceRepository
	MetricRepository
	ReadingRepository
	RuleRepository
	IncidentRepository
}

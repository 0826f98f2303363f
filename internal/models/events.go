package models

import "time"

// Event types pushed to dashboards.
const (
	EventReadingUpdate  = "reading_update"
	EventIncidentUpdate = "incident_update"
)

// ReadingUpdate reading_update payload
type ReadingUpdate struct {
	DeviceID    string    `json:"device_id"`
	PatientID   *string   `json:"patient_id,omitempty"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
	IsSimulated bool      `json:"is_simulated"`
	Quality     Quality   `json:"quality"`
}

// NewReadingUpdate builds the wire payload for r.
func NewReadingUpdate(r *Reading) ReadingUpdate {
	return ReadingUpdate{
		DeviceID:    r.DeviceID,
		PatientID:   r.PatientID,
		Metric:      r.MetricID,
		Value:       r.Value.InexactFloat64(),
		Timestamp:   r.Timestamp,
		IsSimulated: r.IsSimulated,
		Quality:     r.Quality,
	}
}

// IncidentUpdate incident_update payload
type IncidentUpdate struct {
	IncidentID string         `json:"incident_id"`
	RuleID     string         `json:"rule_id"`
	PatientID  *string        `json:"patient_id,omitempty"`
	DeviceID   *string        `json:"device_id,omitempty"`
	Severity   Severity       `json:"severity"`
	Status     IncidentStatus `json:"status"`
	OpenedAt   time.Time      `json:"opened_at"`
	ClosedAt   *time.Time     `json:"closed_at,omitempty"`
}

// NewIncidentUpdate builds the wire payload for inc.
func NewIncidentUpdate(inc *Incident) IncidentUpdate {
	return IncidentUpdate{
		IncidentID: inc.ID,
		RuleID:     inc.RuleID,
		PatientID:  inc.PatientID,
		DeviceID:   inc.DeviceID,
		Severity:   inc.Severity,
		Status:     inc.Status,
		OpenedAt:   inc.OpenedAt,
		ClosedAt:   inc.ClosedAt,
	}
}

// DeviceSeen event for the external device-health monitor
type DeviceSeen struct {
	DeviceID  string    `json:"device_id"`
	PatientID *string   `json:"patient_id,omitempty"`
	SeenAt    time.Time `json:"seen_at"`
}

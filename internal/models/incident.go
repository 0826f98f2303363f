package models

import "time"

// IncidentStatus lifecycle status
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentInProgress IncidentStatus = "in_progress"
	IncidentResolved   IncidentStatus = "resolved"
)

// IncidentKey identity of the at-most-one non-resolved incident.
// Patient and device are independent components; "" means absent.
type IncidentKey struct {
	RuleID    string
	PatientID string
	DeviceID  string
}

// Incident lifecycle record (incidents table)
type Incident struct {
	ID             string         `json:"id" db:"id"`
	RuleID         string         `json:"rule_id" db:"rule_id"`
	PatientID      *string        `json:"patient_id,omitempty" db:"patient_id"`
	DeviceID       *string        `json:"device_id,omitempty" db:"device_id"`
	MetricName     string         `json:"metric_name" db:"metric_name"`
	Severity       Severity       `json:"severity" db:"severity"`
	Status         IncidentStatus `json:"status" db:"status"`
	OpenedAt       time.Time      `json:"opened_at" db:"opened_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty" db:"closed_at"`
	LastObservedAt time.Time      `json:"last_observed_at" db:"last_observed_at"`
	FiringCount    int            `json:"firing_count" db:"firing_count"`
	Details        string         `json:"details" db:"details"`
}

// Key returns the dedup key.
func (i *Incident) Key() IncidentKey {
	return IncidentKey{RuleID: i.RuleID, PatientID: deref(i.PatientID), DeviceID: deref(i.DeviceID)}
}

// IsOpen reports whether the incident is not resolved.
func (i *Incident) IsOpen() bool {
	return i.Status != IncidentResolved
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package models

import "time"

// Device registered monitoring device (devices table)
type Device struct {
	ID              string     `json:"id" db:"id"`
	PatientID       *string    `json:"patient_id,omitempty" db:"patient_id"` // nil when unassigned
	FirmwareVersion string     `json:"firmware_version" db:"firmware_version"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	Active          bool       `json:"active" db:"active"`
}

// PatientIDValue returns the owning patient id or "".
func (d *Device) PatientIDValue() string {
	if d.PatientID == nil {
		return ""
	}
	return *d.PatientID
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quality flag carried by every reading.
type Quality string

const (
	QualityOK          Quality = "ok"
	QualityStale       Quality = "stale"
	QualitySensorError Quality = "sensor-error"
)

// Valid reports whether q is a known quality flag.
func (q Quality) Valid() bool {
	switch q {
	case QualityOK, QualityStale, QualitySensorError:
		return true
	}
	return false
}

// Reading one append-only measurement (readings table).
// PatientID is the owner at ingest time; it is not persisted.
type Reading struct {
	ID          int64           `json:"id" db:"id"`
	DeviceID    string          `json:"device_id" db:"device_id"`
	MetricID    string          `json:"metric_id" db:"metric_id"`
	Timestamp   time.Time       `json:"timestamp" db:"ts"`
	Value       decimal.Decimal `json:"value" db:"value"`
	Quality     Quality         `json:"quality" db:"quality"`
	IsSimulated bool            `json:"is_simulated" db:"is_simulated"`
	PatientID   *string         `json:"patient_id,omitempty" db:"-"`
}

// PatientIDValue returns the patient id captured at ingest or "".
func (r *Reading) PatientIDValue() string {
	if r.PatientID == nil {
		return ""
	}
	return *r.PatientID
}

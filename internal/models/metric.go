package models

import (
	"github.com/shopspring/decimal"
)

// Well-known metric identifiers carried by device records.
const (
	MetricHeartRate = "heart_rate"
	MetricSpO2      = "spo2"
	MetricTempSkin  = "temp_skin"
)

// Metric reference data (metrics table). MinValue/MaxValue bound the sane
// physical range; readings outside are rejected, never clamped.
type Metric struct {
	ID          string          `json:"id" db:"id"`
	Unit        string          `json:"unit" db:"unit"`
	DisplayName string          `json:"display_name" db:"display_name"`
	MinValue    decimal.Decimal `json:"min_value" db:"min_value"`
	MaxValue    decimal.Decimal `json:"max_value" db:"max_value"`
	Precision   int32           `json:"precision" db:"precision"` // decimal places kept at ingest
}

// InRange reports whether v lies within [MinValue, MaxValue].
func (m *Metric) InRange(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(m.MinValue) && v.LessThanOrEqual(m.MaxValue)
}

// DefaultMetrics returns the metrics every deployment ships with.
func DefaultMetrics() []Metric {
	return []Metric{
		{ID: MetricHeartRate, Unit: "bpm", DisplayName: "Heart Rate", MinValue: decimal.NewFromInt(0), MaxValue: decimal.NewFromInt(300), Precision: 0},
		{ID: MetricSpO2, Unit: "%", DisplayName: "SpO2", MinValue: decimal.NewFromInt(0), MaxValue: decimal.NewFromInt(100), Precision: 0},
		{ID: MetricTempSkin, Unit: "°C", DisplayName: "Skin Temperature", MinValue: decimal.NewFromInt(25), MaxValue: decimal.NewFromInt(45), Precision: 1},
	}
}

package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RuleKind threshold or trend
type RuleKind string

const (
	RuleKindThreshold RuleKind = "threshold"
	RuleKindTrend     RuleKind = "trend"
)

// Operator comparison operator
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// Compare applies the operator as `value <op> threshold`.
// Equality satisfies only the inclusive operators.
func (op Operator) Compare(value, threshold decimal.Decimal) bool {
	c := value.Cmp(threshold)
	switch op {
	case OpGreater:
		return c > 0
	case OpLess:
		return c < 0
	case OpGreaterEqual:
		return c >= 0
	case OpLessEqual:
		return c <= 0
	}
	return false
}

// Valid reports whether op is one of the four supported operators.
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// Severity incident severity
type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rule monitoring rule (rules table)
type Rule struct {
	ID            string          `json:"id" db:"id" yaml:"id"`
	Name          string          `json:"name" db:"name" yaml:"name"`
	MetricID      string          `json:"metric_id" db:"metric_id" yaml:"metric"`
	Kind          RuleKind        `json:"kind" db:"kind" yaml:"kind"`
	Operator      Operator        `json:"operator" db:"operator" yaml:"operator"`
	Threshold     decimal.Decimal `json:"threshold" db:"threshold" yaml:"-"`
	WindowMinutes int             `json:"window_minutes" db:"window_minutes" yaml:"window_minutes"`
	Severity      Severity        `json:"severity" db:"severity" yaml:"severity"`
	Enabled       bool            `json:"enabled" db:"enabled" yaml:"enabled"`
}

// Validate checks the rule shape. Metric existence is checked by the registry.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return NewValidationError(CodeInvalidRule, "id", "rule id is required")
	}
	if r.MetricID == "" {
		return NewValidationError(CodeInvalidRule, "metric_id", "metric is required")
	}
	if r.Kind != RuleKindThreshold && r.Kind != RuleKindTrend {
		return NewValidationError(CodeInvalidRule, "kind", fmt.Sprintf("unsupported kind %q", r.Kind))
	}
	if !r.Operator.Valid() {
		return NewValidationError(CodeInvalidRule, "operator", fmt.Sprintf("unsupported operator %q", r.Operator))
	}
	if !r.Severity.Valid() {
		return NewValidationError(CodeInvalidRule, "severity", fmt.Sprintf("unsupported severity %q", r.Severity))
	}
	if r.WindowMinutes < 0 {
		return NewValidationError(CodeInvalidRule, "window_minutes", "window must not be negative")
	}
	if r.Kind == RuleKindTrend && r.WindowMinutes == 0 {
		return NewValidationError(CodeInvalidRule, "window_minutes", "trend rules need a window")
	}
	return nil
}

// RuleAssignment binds a rule to a patient, a device, both, or neither (wildcard).
type RuleAssignment struct {
	ID        string  `json:"id" db:"id"`
	RuleID    string  `json:"rule_id" db:"rule_id"`
	PatientID *string `json:"patient_id,omitempty" db:"patient_id"`
	DeviceID  *string `json:"device_id,omitempty" db:"device_id"`
}

// IsWildcard reports whether the assignment applies to every reading.
func (a *RuleAssignment) IsWildcard() bool {
	return a.PatientID == nil && a.DeviceID == nil
}

// AssignedRule one resolved (rule, assignment) pair.
type AssignedRule struct {
	Rule       Rule
	Assignment RuleAssignment
}

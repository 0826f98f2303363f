package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice      = errors.New("unknown device")
	ErrUnknownMetric      = errors.New("unknown metric")
	ErrInvalidValue       = errors.New("invalid value")
	ErrInvalidQuality     = errors.New("invalid quality")
	ErrInvalidRule        = errors.New("invalid rule")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNotFound           = errors.New("not found")
	ErrIncidentNotFound   = errors.New("incident not found")
	ErrInvalidTransition  = errors.New("invalid incident transition")
	ErrSubscriberClosed   = errors.New("subscriber closed")
)

// Reject reason codes returned to devices.
const (
	CodeUnknownDevice  = "unknown_device"
	CodeUnknownMetric  = "unknown_metric"
	CodeInvalidValue   = "invalid_value"
	CodeInvalidQuality = "invalid_quality"
	CodeInvalidRule    = "invalid_rule"
	CodeInvalidPayload = "invalid_payload"
)

// ValidationError input rejected before it enters the pipeline.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError builds a ValidationError.
func NewValidationError(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps the code to its sentinel so errors.Is works.
func (e *ValidationError) Unwrap() error {
	switch e.Code {
	case CodeUnknownDevice:
		return ErrUnknownDevice
	case CodeUnknownMetric:
		return ErrUnknownMetric
	case CodeInvalidValue:
		return ErrInvalidValue
	case CodeInvalidQuality:
		return ErrInvalidQuality
	case CodeInvalidRule:
		return ErrInvalidRule
	case CodeInvalidPayload:
		return ErrInvalidPayload
	}
	return nil
}

// StoreError wraps a transient store failure.
type StoreError struct {
	Op  string
	Err error
}

// StoreUnavailable wraps err as a store failure for op.
func StoreUnavailable(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// ReasonCode returns the reject code for err, or "" when err is not a validation error.
func ReasonCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

package repository

import (
	"errors"

	"hemis-telemetry/internal/models"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// storeErr classifies a driver error.
func storeErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return &invariantError{op: op, constraint: pqErr.Constraint, err: err}
	}
	return models.StoreUnavailable(op, err)
}

type invariantError struct {
	op         string
	constraint string
	err        error
}

func (e *invariantError) Error() string {
	return models.ErrInvariantViolation.Error() + ": " + e.op + ": " + e.constraint
}

func (e *invariantError) Unwrap() []error {
	return []error{models.ErrInvariantViolation, e.err}
}

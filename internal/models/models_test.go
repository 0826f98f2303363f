package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOperator_Compare_Boundary(t *testing.T) {
	threshold := decimal.NewFromInt(110)
	equal := decimal.RequireFromString("110.0")

	assert.True(t, OpGreaterEqual.Compare(equal, threshold))
	assert.True(t, OpLessEqual.Compare(equal, threshold))
	assert.False(t, OpGreater.Compare(equal, threshold))
	assert.False(t, OpLess.Compare(equal, threshold))

	assert.True(t, OpGreater.Compare(decimal.NewFromInt(111), threshold))
	assert.True(t, OpLess.Compare(decimal.NewFromInt(109), threshold))
	assert.False(t, Operator("==").Compare(equal, threshold))
}

func TestRule_Validate(t *testing.T) {
	valid := Rule{ID: "r1", MetricID: MetricHeartRate, Kind: RuleKindTrend, Operator: OpGreater, WindowMinutes: 10, Severity: SeverityHigh}
	assert.NoError(t, valid.Validate())

	noWindow := valid
	noWindow.WindowMinutes = 0
	assert.ErrorIs(t, noWindow.Validate(), ErrInvalidRule)

	badOp := valid
	badOp.Operator = "!="
	assert.ErrorIs(t, badOp.Validate(), ErrInvalidRule)

	badSeverity := valid
	badSeverity.Severity = "Critical"
	assert.Equal(t, CodeInvalidRule, ReasonCode(badSeverity.Validate()))
}

func TestValidationError_Unwrap(t *testing.T) {
	err := fmt.Errorf("ingest: %w", NewValidationError(CodeUnknownDevice, "device_id", "D9 is not registered"))
	assert.True(t, errors.Is(err, ErrUnknownDevice))
	assert.False(t, errors.Is(err, ErrUnknownMetric))
	assert.Equal(t, CodeUnknownDevice, ReasonCode(err))
	assert.Equal(t, "", ReasonCode(errors.New("boom")))
}

func TestStoreUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	err := StoreUnavailable("insert reading", cause)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "insert reading")
}

func TestMetric_InRange(t *testing.T) {
	hr := DefaultMetrics()[0]
	assert.True(t, hr.InRange(decimal.NewFromInt(0)))
	assert.True(t, hr.InRange(decimal.NewFromInt(300)))
	assert.False(t, hr.InRange(decimal.NewFromInt(301)))
	assert.False(t, hr.InRange(decimal.NewFromInt(-1)))
}

func TestIncident_Key(t *testing.T) {
	inc := Incident{RuleID: "r1", PatientID: StringPtr("P1"), DeviceID: nil}
	assert.Equal(t, IncidentKey{RuleID: "r1", PatientID: "P1"}, inc.Key())
	assert.True(t, inc.IsOpen())
	assert.Nil(t, StringPtr(""))
}

package registry

import (
	"context"
	"testing"

	"hemis-telemetry/internal/models"
	"hemis-telemetry/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRegistry(t *testing.T) (*repository.MemoryStore, *Registry) {
	store := repository.NewMemoryStore()
	reg := NewRegistry(store, zap.NewNop())
	require.NoError(t, reg.Load(context.Background()))
	require.NoError(t, reg.EnsureMetrics(context.Background(), models.DefaultMetrics()))
	return store, reg
}

func rule(id, metric string, enabled bool) models.Rule {
	return models.Rule{
		ID:            id,
		Name:          id,
		MetricID:      metric,
		Kind:          models.RuleKindThreshold,
		Operator:      models.OpGreater,
		Threshold:     decimal.NewFromInt(110),
		WindowMinutes: 10,
		Severity:      models.SeverityHigh,
		Enabled:       enabled,
	}
}

func ruleIDs(pairs []models.AssignedRule) []string {
	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = p.Rule.ID
	}
	return ids
}

func TestListAssignmentsFor_ResolutionOrder(t *testing.T) {
	ctx := context.Background()
	_, reg := setupRegistry(t)

	require.NoError(t, reg.AddRule(ctx, rule("wild", models.MetricHeartRate, true)))
	require.NoError(t, reg.AddRule(ctx, rule("patient", models.MetricHeartRate, true)))
	require.NoError(t, reg.AddRule(ctx, rule("device", models.MetricHeartRate, true)))
	require.NoError(t, reg.AddRule(ctx, rule("other-device", models.MetricHeartRate, true)))

	_, err := reg.Assign(ctx, models.RuleAssignment{RuleID: "wild"})
	require.NoError(t, err)
	_, err = reg.Assign(ctx, models.RuleAssignment{RuleID: "patient", PatientID: models.StringPtr("P1")})
	require.NoError(t, err)
	_, err = reg.Assign(ctx, models.RuleAssignment{RuleID: "device", DeviceID: models.StringPtr("D1")})
	require.NoError(t, err)
	_, err = reg.Assign(ctx, models.RuleAssignment{RuleID: "other-device", DeviceID: models.StringPtr("D2")})
	require.NoError(t, err)

	assert.Equal(t, []string{"device", "patient", "wild"}, ruleIDs(reg.ListAssignmentsFor("D1", "P1")))
	assert.Equal(t, []string{"device", "wild"}, ruleIDs(reg.ListAssignmentsFor("D1", "")))
	assert.Equal(t, []string{"other-device", "wild"}, ruleIDs(reg.ListAssignmentsFor("D2", "P9")))
}

func TestListAssignmentsFor_DeviceAndPatientBothMustMatch(t *testing.T) {
	ctx := context.Background()
	_, reg := setupRegistry(t)

	require.NoError(t, reg.AddRule(ctx, rule("pair", models.MetricHeartRate, true)))
	_, err := reg.Assign(ctx, models.RuleAssignment{RuleID: "pair", DeviceID: models.StringPtr("D1"), PatientID: models.StringPtr("P1")})
	require.NoError(t, err)

	assert.Len(t, reg.ListAssignmentsFor("D1", "P1"), 1)
	assert.Empty(t, reg.ListAssignmentsFor("D1", "P2"), "device reassigned to another patient")
	assert.Empty(t, reg.ListAssignmentsFor("D2", "P1"))
}

func TestListAssignmentsFor_RuleReturnedOnceWithMostSpecificScope(t *testing.T) {
	ctx := context.Background()
	_, reg := setupRegistry(t)

	require.NoError(t, reg.AddRule(ctx, rule("tachy", models.MetricHeartRate, true)))
	_, err := reg.Assign(ctx, models.RuleAssignment{ID: "a-wild", RuleID: "tachy"})
	require.NoError(t, err)
	_, err = reg.Assign(ctx, models.RuleAssignment{ID: "a-dev", RuleID: "tachy", DeviceID: models.StringPtr("D1")})
	require.NoError(t, err)

	pairs := reg.ListAssignmentsFor("D1", "P1")
	require.Len(t, pairs, 1)
	assert.Equal(t, "a-dev", pairs[0].Assignment.ID)
}

func TestDisabledRulesExcluded(t *testing.T) {
	ctx := context.Background()
	store, reg := setupRegistry(t)

	require.NoError(t, reg.AddRule(ctx, rule("tachy", models.MetricHeartRate, true)))
	_, err := reg.Assign(ctx, models.RuleAssignment{RuleID: "tachy", DeviceID: models.StringPtr("D1")})
	require.NoError(t, err)
	assert.Len(t, reg.ListAssignmentsFor("D1", ""), 1)

	require.NoError(t, reg.DisableRule(ctx, "tachy"))
	assert.Empty(t, reg.ListAssignmentsFor("D1", ""))

	// persisted, so a reload keeps it disabled
	require.NoError(t, reg.Load(ctx))
	assert.Empty(t, reg.ListAssignmentsFor("D1", ""))

	require.NoError(t, reg.EnableRule(ctx, "tachy"))
	assert.Len(t, reg.ListAssignmentsFor("D1", ""), 1)

	rules, err := store.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Enabled)
}

func TestAddRule_Validation(t *testing.T) {
	ctx := context.Background()
	_, reg := setupRegistry(t)

	err := reg.AddRule(ctx, rule("bp", "blood_pressure", true))
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	bad := rule("x", models.MetricHeartRate, true)
	bad.Operator = "=="
	assert.ErrorIs(t, reg.AddRule(ctx, bad), models.ErrInvalidRule)

	assert.ErrorIs(t, reg.EnableRule(ctx, "missing"), models.ErrNotFound)
	_, err = reg.Assign(ctx, models.RuleAssignment{RuleID: "missing"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMutationNotAppliedWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	store, reg := setupRegistry(t)

	require.NoError(t, reg.AddRule(ctx, rule("tachy", models.MetricHeartRate, true)))
	_, err := reg.Assign(ctx, models.RuleAssignment{RuleID: "tachy"})
	require.NoError(t, err)

	store.SetUnavailable(true)
	err = reg.DisableRule(ctx, "tachy")
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.Len(t, reg.ListAssignmentsFor("D1", ""), 1)

	// a failed reload keeps the previous view
	assert.Error(t, reg.Load(ctx))
	assert.Len(t, reg.ListAssignmentsFor("D1", ""), 1)
}

func TestUnassign(t *testing.T) {
	ctx := context.Background()
	_, reg := setupRegistry(t)

	require.NoError(t, reg.AddRule(ctx, rule("tachy", models.MetricHeartRate, true)))
	a, err := reg.Assign(ctx, models.RuleAssignment{RuleID: "tachy"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)

	require.NoError(t, reg.Unassign(ctx, a.ID))
	assert.Empty(t, reg.ListAssignmentsFor("D1", "P1"))
}

package evaluator

import (
	"context"
	"fmt"
	"time"

	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// RuleSource resolves the rules that apply to a reading.
type RuleSource interface {
	ListAssignmentsFor(deviceID, patientID string) []models.AssignedRule
}

// WindowReader reads the reading history for trend rules.
type WindowReader interface {
	ListReadingsInWindow(ctx context.Context, deviceID, metricID string, from, to time.Time, quality models.Quality) ([]models.Reading, error)
}

// RuleOutcome result of evaluating one rule against one reading.
type RuleOutcome struct {
	Rule       models.Rule
	PatientID  string
	DeviceID   string
	Fired      bool
	ObservedAt time.Time
	Detail     string
}

// Key incident key this outcome drives.
func (o RuleOutcome) Key() models.IncidentKey {
	return models.IncidentKey{RuleID: o.Rule.ID, PatientID: o.PatientID, DeviceID: o.DeviceID}
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides time.Now for trend windows.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithSkipHook is called for every rule skipped because the history lookup failed.
func WithSkipHook(hook func(rule models.Rule, err error)) Option {
	return func(e *Evaluator) { e.onSkip = hook }
}

// Evaluator stateless rule evaluation. Each call re-reads the trend window.
type Evaluator struct {
	rules         RuleSource
	readings      WindowReader
	lookupTimeout time.Duration
	now           func() time.Time
	onSkip        func(rule models.Rule, err error)
	logger        *zap.Logger
}

// NewEvaluator creates an evaluator. lookupTimeout bounds each trend lookup,
// further capped by the rule's own window.
func NewEvaluator(rules RuleSource, readings WindowReader, lookupTimeout time.Duration, logger *zap.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		rules:         rules,
		readings:      readings,
		lookupTimeout: lookupTimeout,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns one outcome per applicable rule for the reading's metric.
// Only "ok" readings are evaluated. A trend rule whose lookup fails yields no
// outcome at all, so it is neither fired nor cleared this cycle.
func (e *Evaluator) Evaluate(ctx context.Context, reading models.Reading) []RuleOutcome {
	if reading.Quality != models.QualityOK {
		return nil
	}

	patientID := reading.PatientIDValue()
	var outcomes []RuleOutcome

	for _, pair := range e.rules.ListAssignmentsFor(reading.DeviceID, patientID) {
		rule := pair.Rule
		if rule.MetricID != reading.MetricID {
			continue
		}

		var (
			fired  bool
			detail string
			err    error
		)
		switch rule.Kind {
		case models.RuleKindThreshold:
			fired, detail = e.evaluateThreshold(rule, reading)
		case models.RuleKindTrend:
			fired, detail, err = e.evaluateTrend(ctx, rule, reading)
		default:
			err = fmt.Errorf("unsupported rule kind %q", rule.Kind)
		}

		if err != nil {
			e.logger.Warn("Rule evaluation skipped",
				zap.String("rule_id", rule.ID),
				zap.String("device_id", reading.DeviceID),
				zap.String("metric", reading.MetricID),
				zap.Error(err),
			)
			if e.onSkip != nil {
				e.onSkip(rule, err)
			}
			continue
		}

		outcomes = append(outcomes, RuleOutcome{
			Rule:       rule,
			PatientID:  patientID,
			DeviceID:   reading.DeviceID,
			Fired:      fired,
			ObservedAt: reading.Timestamp,
			Detail:     detail,
		})
	}

	return outcomes
}

func (e *Evaluator) evaluateThreshold(rule models.Rule, reading models.Reading) (bool, string) {
	fired := rule.Operator.Compare(reading.Value, rule.Threshold)
	return fired, fmt.Sprintf("%s %s %s %s", reading.MetricID, reading.Value.String(), rule.Operator, rule.Threshold.String())
}

// evaluateTrend fires iff the window [end-W, end] is non-empty and every
// reading in it satisfies the comparison. end is the server clock, or the
// triggering reading's timestamp when that is later, so the reading always
// counts toward its own evaluation.
func (e *Evaluator) evaluateTrend(ctx context.Context, rule models.Rule, reading models.Reading) (bool, string, error) {
	window := time.Duration(rule.WindowMinutes) * time.Minute
	timeout := window
	if e.lookupTimeout > 0 && e.lookupTimeout < timeout {
		timeout = e.lookupTimeout
	}

	end := e.now()
	if reading.Timestamp.After(end) {
		end = reading.Timestamp
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	history, err := e.readings.ListReadingsInWindow(lookupCtx, reading.DeviceID, rule.MetricID, end.Add(-window), end, models.QualityOK)
	if err != nil {
		return false, "", fmt.Errorf("trend window lookup: %w", err)
	}
	if len(history) == 0 {
		return false, fmt.Sprintf("%s: no readings in last %dm", rule.MetricID, rule.WindowMinutes), nil
	}

	for _, r := range history {
		if !rule.Operator.Compare(r.Value, rule.Threshold) {
			return false, fmt.Sprintf("%s %s at %s breaks %s %s", rule.MetricID, r.Value.String(), r.Timestamp.Format(time.RFC3339), rule.Operator, rule.Threshold.String()), nil
		}
	}
	return true, fmt.Sprintf("%s %s %s for %d readings over %dm", rule.MetricID, rule.Operator, rule.Threshold.String(), len(history), rule.WindowMinutes), nil
}

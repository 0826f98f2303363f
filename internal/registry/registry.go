package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hemis-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persistence the registry needs.
type Store interface {
	ListMetrics(ctx context.Context) ([]models.Metric, error)
	UpsertMetric(ctx context.Context, metric *models.Metric) error
	ListRules(ctx context.Context) ([]models.Rule, error)
	UpsertRule(ctx context.Context, rule *models.Rule) error
	SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error
	ListAssignments(ctx context.Context) ([]models.RuleAssignment, error)
	InsertAssignment(ctx context.Context, a *models.RuleAssignment) error
	DeleteAssignment(ctx context.Context, assignmentID string) error
}

// scope tiers, most specific first
const (
	tierDevice = iota
	tierPatient
	tierWildcard
)

// Registry in-memory view of metrics, rules and assignments.
// Reads never touch the store; mutations write through to the store first.
type Registry struct {
	store  Store
	logger *zap.Logger

	mu          sync.RWMutex
	metrics     map[string]models.Metric
	rules       map[string]models.Rule
	assignments map[string]models.RuleAssignment
}

// NewRegistry creates an empty registry. Call Load before use.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:       store,
		logger:      logger,
		metrics:     map[string]models.Metric{},
		rules:       map[string]models.Rule{},
		assignments: map[string]models.RuleAssignment{},
	}
}

// Load replaces the in-memory view with the store contents.
// On error the previous view is kept.
func (r *Registry) Load(ctx context.Context) error {
	metrics, err := r.store.ListMetrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to load metrics: %w", err)
	}
	rules, err := r.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	assignments, err := r.store.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rule assignments: %w", err)
	}

	metricMap := make(map[string]models.Metric, len(metrics))
	for _, m := range metrics {
		metricMap[m.ID] = m
	}
	ruleMap := make(map[string]models.Rule, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			r.logger.Warn("Skipping invalid rule from store", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		ruleMap[rule.ID] = rule
	}
	assignmentMap := make(map[string]models.RuleAssignment, len(assignments))
	for _, a := range assignments {
		assignmentMap[a.ID] = a
	}

	r.mu.Lock()
	r.metrics = metricMap
	r.rules = ruleMap
	r.assignments = assignmentMap
	r.mu.Unlock()

	r.logger.Debug("Rule registry loaded",
		zap.Int("metrics", len(metricMap)),
		zap.Int("rules", len(ruleMap)),
		zap.Int("assignments", len(assignmentMap)),
	)
	return nil
}

// EnsureMetrics registers reference metrics that are not yet known.
func (r *Registry) EnsureMetrics(ctx context.Context, metrics []models.Metric) error {
	for i := range metrics {
		m := metrics[i]
		if _, ok := r.Metric(m.ID); ok {
			continue
		}
		if err := r.store.UpsertMetric(ctx, &m); err != nil {
			return fmt.Errorf("failed to register metric %s: %w", m.ID, err)
		}
		r.mu.Lock()
		r.metrics[m.ID] = m
		r.mu.Unlock()
	}
	return nil
}

// Metric looks up reference data for a metric id.
func (r *Registry) Metric(metricID string) (models.Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[metricID]
	return m, ok
}

// Rule looks up a rule by id, enabled or not.
func (r *Registry) Rule(ruleID string) (models.Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[ruleID]
	return rule, ok
}

// Rules returns every known rule ordered by id.
func (r *Registry) Rules() []models.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAssignmentsFor resolves the enabled rules that apply to a reading from
// deviceID owned by patientID ("" when unassigned).
//
// Device-scoped assignments come first, then patient-scoped, then wildcards.
// An assignment naming both a device and a patient needs both to match.
// A rule reachable through several assignments is returned once, with its
// most specific assignment.
func (r *Registry) ListAssignmentsFor(deviceID, patientID string) []models.AssignedRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		tier int
		pair models.AssignedRule
	}
	best := map[string]candidate{}

	for _, a := range r.assignments {
		rule, ok := r.rules[a.RuleID]
		if !ok || !rule.Enabled {
			continue
		}
		tier, ok := matchTier(a, deviceID, patientID)
		if !ok {
			continue
		}
		if cur, seen := best[rule.ID]; seen && (cur.tier < tier || (cur.tier == tier && cur.pair.Assignment.ID <= a.ID)) {
			continue
		}
		best[rule.ID] = candidate{tier: tier, pair: models.AssignedRule{Rule: rule, Assignment: a}}
	}

	ordered := make([]candidate, 0, len(best))
	for _, c := range best {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].tier != ordered[j].tier {
			return ordered[i].tier < ordered[j].tier
		}
		return ordered[i].pair.Rule.ID < ordered[j].pair.Rule.ID
	})

	out := make([]models.AssignedRule, len(ordered))
	for i, c := range ordered {
		out[i] = c.pair
	}
	return out
}

func matchTier(a models.RuleAssignment, deviceID, patientID string) (int, bool) {
	switch {
	case a.DeviceID != nil:
		if *a.DeviceID != deviceID {
			return 0, false
		}
		if a.PatientID != nil && *a.PatientID != patientID {
			return 0, false
		}
		return tierDevice, true
	case a.PatientID != nil:
		if patientID == "" || *a.PatientID != patientID {
			return 0, false
		}
		return tierPatient, true
	default:
		return tierWildcard, true
	}
}

// AddRule validates and stores a rule (insert or replace).
func (r *Registry) AddRule(ctx context.Context, rule models.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if _, ok := r.Metric(rule.MetricID); !ok {
		return models.NewValidationError(models.CodeInvalidRule, "metric_id", fmt.Sprintf("unknown metric %q", rule.MetricID))
	}
	if err := r.store.UpsertRule(ctx, &rule); err != nil {
		return fmt.Errorf("failed to persist rule %s: %w", rule.ID, err)
	}

	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()

	r.logger.Info("Rule stored",
		zap.String("rule_id", rule.ID),
		zap.String("metric", rule.MetricID),
		zap.Bool("enabled", rule.Enabled),
	)
	return nil
}

// EnableRule turns a rule on for subsequent evaluations.
func (r *Registry) EnableRule(ctx context.Context, ruleID string) error {
	return r.setEnabled(ctx, ruleID, true)
}

// DisableRule turns a rule off for subsequent evaluations. Its open incidents
// stay open until an operator resolves them.
func (r *Registry) DisableRule(ctx context.Context, ruleID string) error {
	return r.setEnabled(ctx, ruleID, false)
}

func (r *Registry) setEnabled(ctx context.Context, ruleID string, enabled bool) error {
	if _, ok := r.Rule(ruleID); !ok {
		return fmt.Errorf("rule %s: %w", ruleID, models.ErrNotFound)
	}
	if err := r.store.SetRuleEnabled(ctx, ruleID, enabled); err != nil {
		return fmt.Errorf("failed to persist rule %s enabled=%t: %w", ruleID, enabled, err)
	}

	r.mu.Lock()
	if rule, ok := r.rules[ruleID]; ok {
		rule.Enabled = enabled
		r.rules[ruleID] = rule
	}
	r.mu.Unlock()

	r.logger.Info("Rule toggled", zap.String("rule_id", ruleID), zap.Bool("enabled", enabled))
	return nil
}

// Assign binds a rule to a device, a patient, both, or (neither) everything.
// An empty assignment id gets a fresh uuid.
func (r *Registry) Assign(ctx context.Context, a models.RuleAssignment) (models.RuleAssignment, error) {
	if _, ok := r.Rule(a.RuleID); !ok {
		return models.RuleAssignment{}, fmt.Errorf("rule %s: %w", a.RuleID, models.ErrNotFound)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if err := r.store.InsertAssignment(ctx, &a); err != nil {
		return models.RuleAssignment{}, fmt.Errorf("failed to persist assignment for rule %s: %w", a.RuleID, err)
	}

	r.mu.Lock()
	r.assignments[a.ID] = a
	r.mu.Unlock()
	return a, nil
}

// Unassign removes an assignment.
func (r *Registry) Unassign(ctx context.Context, assignmentID string) error {
	if err := r.store.DeleteAssignment(ctx, assignmentID); err != nil {
		return fmt.Errorf("failed to delete assignment %s: %w", assignmentID, err)
	}
	r.mu.Lock()
	delete(r.assignments, assignmentID)
	r.mu.Unlock()
	return nil
}

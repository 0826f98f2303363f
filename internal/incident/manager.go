package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hemis-telemetry/internal/evaluator"
	"hemis-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store incident persistence.
type Store interface {
	CreateIncident(ctx context.Context, inc *models.Incident) error
	TouchIncident(ctx context.Context, incidentID string, observedAt time.Time, firingCount int) error
	UpdateIncidentStatus(ctx context.Context, incidentID string, status models.IncidentStatus, closedAt *time.Time) error
	GetIncident(ctx context.Context, incidentID string) (*models.Incident, error)
	ListOpenIncidents(ctx context.Context) ([]models.Incident, error)
	ListIncidentsSince(ctx context.Context, since time.Time) ([]models.Incident, error)
}

// Publisher receives every incident transition. It must not block.
type Publisher interface {
	PublishIncident(inc models.Incident)
}

// PublisherFunc adapts a func to Publisher.
type PublisherFunc func(inc models.Incident)

func (f PublisherFunc) PublishIncident(inc models.Incident) { f(inc) }

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now for opened_at/closed_at.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the incident lifecycle: open -> in_progress -> resolved.
//
// Transitions for one (rule, patient, device) key are serialized by a per-key
// lock; unrelated keys proceed in parallel. The in-memory view only advances
// after the store accepted the write.
type Manager struct {
	store     Store
	publisher Publisher
	now       func() time.Time
	logger    *zap.Logger

	keys *keyLocks

	stateMu sync.RWMutex
	open    map[models.IncidentKey]models.Incident
	byID    map[string]models.IncidentKey
}

// NewManager creates a manager with no open incidents. Call Load to warm start.
func NewManager(store Store, publisher Publisher, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    logger,
		keys:      newKeyLocks(),
		open:      map[models.IncidentKey]models.Incident{},
		byID:      map[string]models.IncidentKey{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the in-memory view with the store's non-resolved incidents.
func (m *Manager) Load(ctx context.Context) error {
	incidents, err := m.store.ListOpenIncidents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open incidents: %w", err)
	}

	open := make(map[models.IncidentKey]models.Incident, len(incidents))
	byID := make(map[string]models.IncidentKey, len(incidents))
	for _, inc := range incidents {
		key := inc.Key()
		if existing, dup := open[key]; dup {
			m.logger.Error("Duplicate open incidents for one key, keeping the oldest",
				zap.String("rule_id", key.RuleID),
				zap.String("patient_id", key.PatientID),
				zap.String("device_id", key.DeviceID),
				zap.String("kept_incident_id", existing.ID),
				zap.String("ignored_incident_id", inc.ID),
				zap.Error(models.ErrInvariantViolation),
			)
			continue
		}
		open[key] = inc
		byID[inc.ID] = key
	}

	m.stateMu.Lock()
	m.open = open
	m.byID = byID
	m.stateMu.Unlock()

	m.logger.Info("Open incidents loaded", zap.Int("count", len(open)))
	return nil
}

// OnRuleFired opens an incident for the key, or annotates the one already open.
// created reports whether a new incident was opened.
func (m *Manager) OnRuleFired(ctx context.Context, rule models.Rule, patientID, deviceID string, observedAt time.Time, detail string) (inc models.Incident, created bool, err error) {
	key := models.IncidentKey{RuleID: rule.ID, PatientID: patientID, DeviceID: deviceID}
	unlock := m.keys.lock(key)
	defer unlock()

	if existing, ok := m.lookup(key); ok {
		count := existing.FiringCount + 1
		if observedAt.Before(existing.LastObservedAt) {
			observedAt = existing.LastObservedAt
		}
		if err := m.store.TouchIncident(ctx, existing.ID, observedAt, count); err != nil {
			return existing, false, fmt.Errorf("failed to annotate incident %s: %w", existing.ID, err)
		}
		existing.FiringCount = count
		existing.LastObservedAt = observedAt
		m.remember(existing)
		return existing, false, nil
	}

	now := m.now()
	inc = models.Incident{
		ID:             uuid.New().String(),
		RuleID:         rule.ID,
		PatientID:      models.StringPtr(patientID),
		DeviceID:       models.StringPtr(deviceID),
		MetricName:     rule.MetricID,
		Severity:       rule.Severity,
		Status:         models.IncidentOpen,
		OpenedAt:       now,
		LastObservedAt: observedAt,
		FiringCount:    1,
		Details:        fmt.Sprintf("%s: %s", rule.Name, detail),
	}

	if err := m.store.CreateIncident(ctx, &inc); err != nil {
		if errors.Is(err, models.ErrInvariantViolation) {
			// another writer opened it first; adopt theirs so the next firing annotates it
			if adopted, ok := m.adopt(ctx, key); ok {
				return adopted, false, nil
			}
		}
		return models.Incident{}, false, fmt.Errorf("failed to open incident for rule %s: %w", rule.ID, err)
	}

	m.remember(inc)
	m.logger.Info("Incident opened",
		zap.String("incident_id", inc.ID),
		zap.String("rule_id", rule.ID),
		zap.String("patient_id", patientID),
		zap.String("device_id", deviceID),
		zap.String("severity", string(inc.Severity)),
	)
	m.publish(inc)
	return inc, true, nil
}

// OnRuleCleared resolves the open incident for key, if any.
// resolved is false when nothing was open.
func (m *Manager) OnRuleCleared(ctx context.Context, key models.IncidentKey) (inc models.Incident, resolved bool, err error) {
	unlock := m.keys.lock(key)
	defer unlock()

	existing, ok := m.lookup(key)
	if !ok {
		return models.Incident{}, false, nil
	}
	inc, err = m.resolveLocked(ctx, existing)
	if err != nil {
		return existing, false, err
	}
	return inc, true, nil
}

// Acknowledge moves an open incident to in_progress. Acknowledging an
// in_progress incident is a no-op; a resolved one is ErrInvalidTransition.
func (m *Manager) Acknowledge(ctx context.Context, incidentID string) (models.Incident, error) {
	key, err := m.keyFor(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}

	unlock := m.keys.lock(key)
	defer unlock()

	existing, ok := m.lookup(key)
	if !ok || existing.ID != incidentID {
		return models.Incident{}, fmt.Errorf("incident %s is resolved: %w", incidentID, models.ErrInvalidTransition)
	}
	if existing.Status == models.IncidentInProgress {
		return existing, nil
	}

	if err := m.store.UpdateIncidentStatus(ctx, existing.ID, models.IncidentInProgress, nil); err != nil {
		return existing, fmt.Errorf("failed to acknowledge incident %s: %w", existing.ID, err)
	}
	existing.Status = models.IncidentInProgress
	m.remember(existing)

	m.logger.Info("Incident acknowledged", zap.String("incident_id", existing.ID), zap.String("rule_id", existing.RuleID))
	m.publish(existing)
	return existing, nil
}

// Resolve closes an incident on operator request. Resolving a resolved
// incident is ErrInvalidTransition.
func (m *Manager) Resolve(ctx context.Context, incidentID string) (models.Incident, error) {
	key, err := m.keyFor(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}

	unlock := m.keys.lock(key)
	defer unlock()

	existing, ok := m.lookup(key)
	if !ok || existing.ID != incidentID {
		return models.Incident{}, fmt.Errorf("incident %s is resolved: %w", incidentID, models.ErrInvalidTransition)
	}
	return m.resolveLocked(ctx, existing)
}

// Apply feeds evaluator outcomes through the lifecycle. Each key is handled
// independently; failures are logged and joined into the returned error.
func (m *Manager) Apply(ctx context.Context, outcomes []evaluator.RuleOutcome) error {
	var errs []error
	for _, o := range outcomes {
		var err error
		if o.Fired {
			_, _, err = m.OnRuleFired(ctx, o.Rule, o.PatientID, o.DeviceID, o.ObservedAt, o.Detail)
		} else {
			_, _, err = m.OnRuleCleared(ctx, o.Key())
		}
		if err != nil {
			m.logger.Error("Incident transition failed",
				zap.String("rule_id", o.Rule.ID),
				zap.String("patient_id", o.PatientID),
				zap.String("device_id", o.DeviceID),
				zap.Bool("fired", o.Fired),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns an incident by id, from memory when open, otherwise from the store.
func (m *Manager) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	m.stateMu.RLock()
	key, ok := m.byID[incidentID]
	inc := m.open[key]
	m.stateMu.RUnlock()
	if ok {
		return inc, nil
	}
	stored, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}
	return *stored, nil
}

// Open returns every non-resolved incident.
func (m *Manager) Open() []models.Incident {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	out := make([]models.Incident, 0, len(m.open))
	for _, inc := range m.open {
		out = append(out, inc)
	}
	return out
}

// OpenForPatient returns the non-resolved incidents keyed on patientID.
func (m *Manager) OpenForPatient(patientID string) []models.Incident {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	var out []models.Incident
	for key, inc := range m.open {
		if key.PatientID == patientID {
			out = append(out, inc)
		}
	}
	return out
}

// History returns incidents opened or closed within the last window, plus
// any still open, newest first. It reads the store, so resolved incidents
// are included.
func (m *Manager) History(ctx context.Context, window time.Duration) ([]models.Incident, error) {
	return m.store.ListIncidentsSince(ctx, m.now().Add(-window))
}

// OpenForDevice returns the non-resolved incidents keyed on deviceID.
func (m *Manager) OpenForDevice(deviceID string) []models.Incident {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	var out []models.Incident
	for key, inc := range m.open {
		if key.DeviceID == deviceID {
			out = append(out, inc)
		}
	}
	return out
}

func (m *Manager) resolveLocked(ctx context.Context, existing models.Incident) (models.Incident, error) {
	closedAt := m.now()
	if err := m.store.UpdateIncidentStatus(ctx, existing.ID, models.IncidentResolved, &closedAt); err != nil {
		return existing, fmt.Errorf("failed to resolve incident %s: %w", existing.ID, err)
	}

	resolved := existing
	resolved.Status = models.IncidentResolved
	resolved.ClosedAt = &closedAt
	m.forget(resolved)

	m.logger.Info("Incident resolved",
		zap.String("incident_id", resolved.ID),
		zap.String("rule_id", resolved.RuleID),
		zap.Duration("open_for", closedAt.Sub(resolved.OpenedAt)),
	)
	m.publish(resolved)
	return resolved, nil
}

// keyFor maps an incident id to its key. Ids not open in memory are looked up
// in the store so callers get NotFound vs InvalidTransition right.
func (m *Manager) keyFor(ctx context.Context, incidentID string) (models.IncidentKey, error) {
	m.stateMu.RLock()
	key, ok := m.byID[incidentID]
	m.stateMu.RUnlock()
	if ok {
		return key, nil
	}

	stored, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return models.IncidentKey{}, err
	}
	if stored.Status == models.IncidentResolved {
		return models.IncidentKey{}, fmt.Errorf("incident %s is resolved: %w", incidentID, models.ErrInvalidTransition)
	}
	// open in the store but unknown here: written by another instance
	if adopted, ok := m.adopt(ctx, stored.Key()); ok && adopted.ID == incidentID {
		return stored.Key(), nil
	}
	return models.IncidentKey{}, fmt.Errorf("incident %s: %w", incidentID, models.ErrIncidentNotFound)
}

// adopt pulls the store's open incident for key into memory.
func (m *Manager) adopt(ctx context.Context, key models.IncidentKey) (models.Incident, bool) {
	incidents, err := m.store.ListOpenIncidents(ctx)
	if err != nil {
		m.logger.Warn("Failed to reconcile open incident", zap.String("rule_id", key.RuleID), zap.Error(err))
		return models.Incident{}, false
	}
	for _, inc := range incidents {
		if inc.Key() == key {
			m.remember(inc)
			m.logger.Warn("Adopted incident opened by another writer",
				zap.String("incident_id", inc.ID),
				zap.String("rule_id", key.RuleID),
			)
			return inc, true
		}
	}
	return models.Incident{}, false
}

func (m *Manager) lookup(key models.IncidentKey) (models.Incident, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	inc, ok := m.open[key]
	return inc, ok
}

func (m *Manager) remember(inc models.Incident) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	key := inc.Key()
	m.open[key] = inc
	m.byID[inc.ID] = key
}

func (m *Manager) forget(inc models.Incident) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	delete(m.open, inc.Key())
	delete(m.byID, inc.ID)
}

func (m *Manager) publish(inc models.Incident) {
	if m.publisher != nil {
		m.publisher.PublishIncident(inc)
	}
}

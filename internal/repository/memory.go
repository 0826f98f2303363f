package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hemis-telemetry/internal/models"
)

var errMemoryStoreDown = errors.New("memory store marked unavailable")

// MemoryStore in-process Store for STORE_DRIVER=memory and tests.
// - readings are kept per (device, metric) in insert order
// - incidents keep the one-open-per-key constraint the Postgres index enforces
type MemoryStore struct {
	mu sync.RWMutex

	unavailable bool

	devices     map[string]models.Device
	metrics     map[string]models.Metric
	rules       map[string]models.Rule
	assignments map[string]models.RuleAssignment
	incidents   map[string]models.Incident

	readings      map[readingSeries][]models.Reading
	nextReadingID int64
}

type readingSeries struct {
	deviceID string
	metricID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     map[string]models.Device{},
		metrics:     map[string]models.Metric{},
		rules:       map[string]models.Rule{},
		assignments: map[string]models.RuleAssignment{},
		incidents:   map[string]models.Incident{},
		readings:    map[readingSeries][]models.Reading{},
	}
}

// SetUnavailable makes every call fail with models.ErrStoreUnavailable while on.
func (s *MemoryStore) SetUnavailable(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = on
}

func (s *MemoryStore) down(op string) error {
	if s.unavailable {
		return models.StoreUnavailable(op, errMemoryStoreDown)
	}
	return nil
}

// ---- devices ----

func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("get device"); err != nil {
		return nil, err
	}
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, models.ErrNotFound)
	}
	return &d, nil
}

func (s *MemoryStore) ListDevices(_ context.Context) ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("list devices"); err != nil {
		return nil, err
	}
	out := make([]models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListDevicesForPatient(ctx context.Context, patientID string) ([]models.Device, error) {
	all, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Device
	for _, d := range all {
		if d.PatientIDValue() == patientID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertDevice(_ context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("upsert device"); err != nil {
		return err
	}
	d := *device
	if existing, ok := s.devices[d.ID]; ok {
		d.LastSeenAt = existing.LastSeenAt
	}
	s.devices[d.ID] = d
	return nil
}

func (s *MemoryStore) TouchLastSeen(_ context.Context, deviceID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("touch last_seen_at"); err != nil {
		return err
	}
	d, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	if d.LastSeenAt == nil || d.LastSeenAt.Before(seenAt) {
		t := seenAt
		d.LastSeenAt = &t
		s.devices[deviceID] = d
	}
	return nil
}

// ---- metrics ----

func (s *MemoryStore) ListMetrics(_ context.Context) ([]models.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("list metrics"); err != nil {
		return nil, err
	}
	out := make([]models.Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertMetric(_ context.Context, metric *models.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("upsert metric"); err != nil {
		return err
	}
	if _, ok := s.metrics[metric.ID]; !ok {
		s.metrics[metric.ID] = *metric
	}
	return nil
}

// ---- readings ----

func (s *MemoryStore) InsertReading(_ context.Context, r *models.Reading) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("insert reading"); err != nil {
		return 0, err
	}
	s.nextReadingID++
	stored := *r
	stored.ID = s.nextReadingID
	stored.PatientID = nil
	key := readingSeries{deviceID: r.DeviceID, metricID: r.MetricID}
	s.readings[key] = append(s.readings[key], stored)
	return stored.ID, nil
}

func (s *MemoryStore) ListReadingsInWindow(_ context.Context, deviceID, metricID string, from, to time.Time, quality models.Quality) ([]models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("list readings in window"); err != nil {
		return nil, err
	}
	var out []models.Reading
	for _, r := range s.readings[readingSeries{deviceID: deviceID, metricID: metricID}] {
		if r.Quality != quality || r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) ListRecentReadings(_ context.Context, deviceID string, limit int) ([]models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("list recent readings"); err != nil {
		return nil, err
	}
	var out []models.Reading
	for key, series := range s.readings {
		if key.deviceID == deviceID {
			out = append(out, series...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestReadings(_ context.Context, deviceID string) ([]models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("latest readings"); err != nil {
		return nil, err
	}
	var out []models.Reading
	for key, series := range s.readings {
		if key.deviceID != deviceID || len(series) == 0 {
			continue
		}
		latest := series[0]
		for _, r := range series[1:] {
			// insert order breaks timestamp ties
			if !r.Timestamp.Before(latest.Timestamp) {
				latest = r
			}
		}
		out = append(out, latest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricID < out[j].MetricID })
	return out, nil
}

// ---- rules ----

func (s *MemoryStore) ListRules(_ context.Context) ([]models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("list rules"); err != nil {
		return nil, err
	}
	out := make([]models.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertRule(_ context.Context, rule *models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("upsert rule"); err != nil {
		return err
	}
	s.rules[rule.ID] = *rule
	return nil
}

func (s *MemoryStore) SetRuleEnabled(_ context.Context, ruleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("set rule enabled"); err != nil {
		return err
	}
	r, ok := s.rules[ruleID]
	if !ok {
		return fmt.Errorf("rule %s: %w", ruleID, models.ErrNotFound)
	}
	r.Enabled = enabled
	s.rules[ruleID] = r
	return nil
}

func (s *MemoryStore) ListAssignments(_ context.Context) ([]models.RuleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("list assignments"); err != nil {
		return nil, err
	}
	out := make([]models.RuleAssignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertAssignment(_ context.Context, a *models.RuleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("insert assignment"); err != nil {
		return err
	}
	if _, ok := s.assignments[a.ID]; !ok {
		s.assignments[a.ID] = *a
	}
	return nil
}

func (s *MemoryStore) DeleteAssignment(_ context.Context, assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("delete assignment"); err != nil {
		return err
	}
	delete(s.assignments, assignmentID)
	return nil
}

// ---- incidents ----

func (s *MemoryStore) CreateIncident(_ context.Context, inc *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("create incident"); err != nil {
		return err
	}
	key := inc.Key()
	for _, existing := range s.incidents {
		if existing.IsOpen() && existing.Key() == key {
			return fmt.Errorf("open incident %s already exists for rule %s: %w", existing.ID, key.RuleID, models.ErrInvariantViolation)
		}
	}
	s.incidents[inc.ID] = *inc
	return nil
}

func (s *MemoryStore) TouchIncident(_ context.Context, incidentID string, observedAt time.Time, firingCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("touch incident"); err != nil {
		return err
	}
	inc, ok := s.incidents[incidentID]
	if !ok {
		return fmt.Errorf("incident %s: %w", incidentID, models.ErrIncidentNotFound)
	}
	inc.LastObservedAt = observedAt
	inc.FiringCount = firingCount
	s.incidents[incidentID] = inc
	return nil
}

func (s *MemoryStore) UpdateIncidentStatus(_ context.Context, incidentID string, status models.IncidentStatus, closedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.down("update incident status"); err != nil {
		return err
	}
	inc, ok := s.incidents[incidentID]
	if !ok {
		return fmt.Errorf("incident %s: %w", incidentID, models.ErrIncidentNotFound)
	}
	inc.Status = status
	inc.ClosedAt = closedAt
	s.incidents[incidentID] = inc
	return nil
}

func (s *MemoryStore) GetIncident(_ context.Context, incidentID string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("get incident"); err != nil {
		return nil, err
	}
	inc, ok := s.incidents[incidentID]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", incidentID, models.ErrIncidentNotFound)
	}
	return &inc, nil
}

func (s *MemoryStore) ListOpenIncidents(_ context.Context) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("list open incidents"); err != nil {
		return nil, err
	}
	var out []models.Incident
	for _, inc := range s.incidents {
		if inc.IsOpen() {
			out = append(out, inc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) ListIncidentsSince(_ context.Context, since time.Time) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.down("list incidents since"); err != nil {
		return nil, err
	}
	var out []models.Incident
	for _, inc := range s.incidents {
		recent := !inc.OpenedAt.Before(since) || (inc.ClosedAt != nil && !inc.ClosedAt.Before(since))
		if inc.IsOpen() || recent {
			out = append(out, inc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

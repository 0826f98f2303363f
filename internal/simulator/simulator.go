package simulator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"hemis-telemetry/internal/ingress"
	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// ErrUnknownProfile is returned by Start for an unregistered profile.
var ErrUnknownProfile = errors.New("unknown simulation profile")

// Status of a simulation session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// RecordIngester accepts simulated records.
type RecordIngester interface {
	IngestRecord(ctx context.Context, rec ingress.Record) (ingress.RecordResult, error)
}

// Session is a point-in-time view of one simulation.
type Session struct {
	ID            string             `json:"simulation_id"`
	DeviceID      string             `json:"device_id"`
	Profile       string             `json:"profile"`
	Interval      time.Duration      `json:"interval"`
	Duration      time.Duration      `json:"duration"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
	Status        Status             `json:"status"`
	ReadingsCount int                `json:"readings_count"`
	LastValues    map[string]float64 `json:"last_values,omitempty"`
	Error         string             `json:"error,omitempty"`
}

type session struct {
	mu     sync.Mutex
	info   Session
	rng    *rand.Rand
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.info
	if s.info.LastValues != nil {
		out.LastValues = make(map[string]float64, len(s.info.LastValues))
		for k, v := range s.info.LastValues {
			out.LastValues[k] = v
		}
	}
	return out
}

// finish records a terminal status unless one is already set.
func (s *session) finish(status Status, at time.Time, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status != StatusRunning {
		return
	}
	s.info.Status = status
	s.info.EndedAt = &at
	s.info.Error = errMsg
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSeed makes every session's random stream deterministic.
func WithSeed(seed int64) Option {
	return func(m *Manager) { m.seed = &seed }
}

// Manager runs independent simulation sessions, each with its own state
// and random stream, feeding readings through ingress.
type Manager struct {
	ingress RecordIngester
	logger  *zap.Logger
	now     func() time.Time
	seed    *int64

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a simulator manager.
func NewManager(in RecordIngester, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		ingress:  in,
		logger:   logger,
		now:      time.Now,
		sessions: map[string]*session{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches a session. A running session with the same id is stopped
// first. duration 0 runs until stopped.
func (m *Manager) Start(ctx context.Context, id, deviceID, profile string, duration, interval time.Duration) (Session, error) {
	p, ok := Profiles[profile]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s (available: %v)", ErrUnknownProfile, profile, ProfileNames())
	}
	if interval <= 0 {
		return Session{}, fmt.Errorf("interval must be positive, got %s", interval)
	}

	m.Stop(id)

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		info: Session{
			ID:        id,
			DeviceID:  deviceID,
			Profile:   p.Name,
			Interval:  interval,
			Duration:  duration,
			StartedAt: m.now(),
			Status:    StatusRunning,
		},
		rng:    rand.New(rand.NewSource(m.seedFor(id))),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.run(runCtx, s, p)

	m.logger.Info("Simulation started",
		zap.String("simulation_id", id),
		zap.String("device_id", deviceID),
		zap.String("profile", p.Name),
		zap.Duration("interval", interval),
		zap.Duration("duration", duration),
	)
	return s.snapshot(), nil
}

func (m *Manager) seedFor(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	if m.seed != nil {
		return *m.seed ^ int64(h.Sum64())
	}
	return time.Now().UnixNano() ^ int64(h.Sum64())
}

func (m *Manager) run(ctx context.Context, s *session, p Profile) {
	defer close(s.done)

	var deadline time.Time
	if s.info.Duration > 0 {
		deadline = s.info.StartedAt.Add(s.info.Duration)
	}
	ticker := time.NewTicker(s.info.Interval)
	defer ticker.Stop()

	for {
		if err := m.emit(ctx, s, p); err != nil {
			m.logger.Error("Simulation failed",
				zap.String("simulation_id", s.info.ID),
				zap.Error(err),
			)
			s.finish(StatusError, m.now(), err.Error())
			return
		}

		if !deadline.IsZero() && !m.now().Before(deadline) {
			m.logger.Info("Simulation duration expired", zap.String("simulation_id", s.info.ID))
			s.finish(StatusCompleted, m.now(), "")
			return
		}

		select {
		case <-ctx.Done():
			s.finish(StatusStopped, m.now(), "")
			return
		case <-ticker.C:
		}
	}
}

// emit sends one record. Only an unknown device ends the session; store
// outages are logged and the session keeps going.
func (m *Manager) emit(ctx context.Context, s *session, p Profile) error {
	s.mu.Lock()
	values := p.Generate(s.rng)
	s.mu.Unlock()

	result, err := m.ingress.IngestRecord(ctx, ingress.Record{
		DeviceID:    s.info.DeviceID,
		Timestamp:   m.now(),
		Values:      values,
		IsSimulated: true,
	})
	if err != nil {
		if errors.Is(err, models.ErrUnknownDevice) {
			return err
		}
		if ctx.Err() == nil {
			m.logger.Warn("Simulated reading not stored",
				zap.String("simulation_id", s.info.ID),
				zap.String("device_id", s.info.DeviceID),
				zap.Error(err),
			)
		}
		return nil
	}

	s.mu.Lock()
	s.info.ReadingsCount++
	s.info.LastValues = values
	s.mu.Unlock()

	m.logger.Debug("Simulated reading",
		zap.String("simulation_id", s.info.ID),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("rejected", len(result.Rejected)),
	)
	return nil
}

// Stop ends a session and waits for its worker. It reports whether the
// session existed.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Simulation worker did not stop in time", zap.String("simulation_id", id))
	}
	s.finish(StatusStopped, m.now(), "")
	m.logger.Info("Simulation stopped", zap.String("simulation_id", id))
	return true
}

// Status returns one session.
func (m *Manager) Status(id string) (Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// List returns all sessions ordered by id.
func (m *Manager) List() []Session {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Session, 0, len(all))
	for _, s := range all {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll stops every session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
	m.logger.Info("Stopped all simulations", zap.Int("count", len(ids)))
}

// CleanupCompleted forgets finished sessions that ended more than olderThan ago.
func (m *Manager) CleanupCompleted(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		info := s.snapshot()
		if info.Status == StatusRunning || info.EndedAt == nil {
			continue
		}
		if info.EndedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("Cleaned up finished simulations", zap.Int("count", removed))
	}
	return removed
}

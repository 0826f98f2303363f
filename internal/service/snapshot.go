package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"hemis-telemetry/internal/cache"
	"hemis-telemetry/internal/incident"
	"hemis-telemetry/internal/models"
	"hemis-telemetry/internal/repository"

	"go.uber.org/zap"
)

// snapshotSource serves the pull views of devices and patients. Latest
// readings come from the Redis snapshot when it has data, otherwise from the
// reading log. Open incidents always come from the incident manager, which
// is the only view that cannot miss a transition.
type snapshotSource struct {
	store      repository.Store
	cache      *cache.SnapshotCache
	incidents  *incident.Manager
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func newSnapshotSource(store repository.Store, c *cache.SnapshotCache, incidents *incident.Manager, staleAfter time.Duration, logger *zap.Logger) *snapshotSource {
	return &snapshotSource{
		store:      store,
		cache:      c,
		incidents:  incidents,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *snapshotSource) Snapshot(ctx context.Context, deviceID string) (cache.Snapshot, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return s.deviceSnapshot(ctx, device)
}

func (s *snapshotSource) deviceSnapshot(ctx context.Context, device *models.Device) (cache.Snapshot, error) {
	latest, err := s.latest(ctx, device)
	if err != nil {
		return cache.Snapshot{}, err
	}

	snap := cache.Snapshot{
		DeviceID:      device.ID,
		Latest:        latest,
		OpenIncidents: incidentUpdates(s.incidents.OpenForDevice(device.ID)),
		GeneratedAt:   s.now().UTC(),
	}
	snap.MarkStaleness(snap.GeneratedAt, s.staleAfter)
	return snap, nil
}

func (s *snapshotSource) latest(ctx context.Context, device *models.Device) ([]models.ReadingUpdate, error) {
	if s.cache != nil {
		latest, err := s.cache.LatestReadings(ctx, device.ID)
		if err == nil && len(latest) > 0 {
			return latest, nil
		}
		if err != nil {
			s.logger.Warn("Snapshot cache unavailable, reading from store",
				zap.String("device_id", device.ID),
				zap.Error(err),
			)
		}
	}

	readings, err := s.store.LatestReadings(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest readings: %w", err)
	}
	return readingUpdates(readings, device), nil
}

// PatientSnapshot aggregates every device assigned to the patient. A patient
// with no device is reported as not found.
func (s *snapshotSource) PatientSnapshot(ctx context.Context, patientID string) (cache.PatientSnapshot, error) {
	devices, err := s.store.ListDevicesForPatient(ctx, patientID)
	if err != nil {
		return cache.PatientSnapshot{}, fmt.Errorf("failed to list devices of patient %s: %w", patientID, err)
	}
	if len(devices) == 0 {
		return cache.PatientSnapshot{}, fmt.Errorf("patient %s has no devices: %w", patientID, models.ErrNotFound)
	}

	out := cache.PatientSnapshot{
		PatientID:     patientID,
		Devices:       make([]cache.Snapshot, 0, len(devices)),
		OpenIncidents: incidentUpdates(s.incidents.OpenForPatient(patientID)),
		GeneratedAt:   s.now().UTC(),
	}
	for i := range devices {
		snap, err := s.deviceSnapshot(ctx, &devices[i])
		if err != nil {
			return cache.PatientSnapshot{}, err
		}
		out.Devices = append(out.Devices, snap)
	}
	return out, nil
}

// ReadingHistory returns the device's most recent readings, newest first.
func (s *snapshotSource) ReadingHistory(ctx context.Context, deviceID string, limit int) ([]models.ReadingUpdate, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	readings, err := s.store.ListRecentReadings(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read reading history: %w", err)
	}
	return readingUpdates(readings, device), nil
}

// readingUpdates converts stored rows, which carry no patient, using the
// device's current owner.
func readingUpdates(readings []models.Reading, device *models.Device) []models.ReadingUpdate {
	out := make([]models.ReadingUpdate, 0, len(readings))
	for i := range readings {
		if readings[i].PatientID == nil {
			readings[i].PatientID = device.PatientID
		}
		out = append(out, models.NewReadingUpdate(&readings[i]))
	}
	return out
}

func incidentUpdates(incidents []models.Incident) []models.IncidentUpdate {
	sort.Slice(incidents, func(i, j int) bool {
		if !incidents[i].OpenedAt.Equal(incidents[j].OpenedAt) {
			return incidents[i].OpenedAt.Before(incidents[j].OpenedAt)
		}
		return incidents[i].ID < incidents[j].ID
	})
	out := make([]models.IncidentUpdate, 0, len(incidents))
	for i := range incidents {
		out = append(out, models.NewIncidentUpdate(&incidents[i]))
	}
	return out
}

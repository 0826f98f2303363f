package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"hemis-telemetry/internal/config"
	"hemis-telemetry/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// tsSuffix marks the hash field holding a metric's timestamp in unix microseconds.
const tsSuffix = ":ts"

// storeLatest replaces a metric's latest reading unless the cached one is newer.
// KEYS[1] device hash; ARGV metric, ts (us), payload, ttl (ms, 0 keeps none)
var storeLatest = redis.NewScript(`
local tsField = ARGV[1] .. ':ts'
local cur = redis.call('HGET', KEYS[1], tsField)
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3], tsField, ARGV[2])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// SnapshotCache mirrors the latest reading per metric and the open incidents
// in Redis so dashboards can pull a fresh state after a gap.
type SnapshotCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewSnapshotCache creates the cache.
func NewSnapshotCache(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *SnapshotCache {
	return &SnapshotCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

func (c *SnapshotCache) latestKey(deviceID string) string {
	return c.config.Telemetry.Cache.LatestKeyPrefix + deviceID
}

// StoreReading records r as its metric's latest reading. It returns false
// when a newer reading was already cached. Equal timestamps replace.
func (c *SnapshotCache) StoreReading(ctx context.Context, r models.Reading) (bool, error) {
	payload, err := json.Marshal(models.NewReadingUpdate(&r))
	if err != nil {
		return false, fmt.Errorf("failed to marshal reading: %w", err)
	}

	ttl := c.config.Telemetry.Cache.LatestTTL.Milliseconds()
	stored, err := storeLatest.Run(ctx, c.redisClient,
		[]string{c.latestKey(r.DeviceID)},
		r.MetricID, r.Timestamp.UnixMicro(), string(payload), ttl,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to store latest reading: %w", err)
	}

	if stored == 0 {
		c.logger.Debug("Cached reading is newer, keeping it",
			zap.String("device_id", r.DeviceID),
			zap.String("metric", r.MetricID),
		)
	}
	return stored == 1, nil
}

// LatestReadings returns the cached latest reading per metric for a device,
// sorted by metric. A device with nothing cached yields an empty slice.
func (c *SnapshotCache) LatestReadings(ctx context.Context, deviceID string) ([]models.ReadingUpdate, error) {
	fields, err := c.redisClient.HGetAll(ctx, c.latestKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read latest readings: %w", err)
	}

	out := make([]models.ReadingUpdate, 0, len(fields)/2)
	for field, val := range fields {
		if strings.HasSuffix(field, tsSuffix) {
			continue
		}
		var u models.ReadingUpdate
		if err := json.Unmarshal([]byte(val), &u); err != nil {
			c.logger.Warn("Skipping malformed cached reading",
				zap.String("device_id", deviceID),
				zap.String("metric", field),
				zap.Error(err),
			)
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}

// SyncIncident mirrors an incident transition: open and in_progress
// incidents are stored, resolved ones removed.
func (c *SnapshotCache) SyncIncident(ctx context.Context, inc models.Incident) error {
	key := c.config.Telemetry.Cache.IncidentsKey
	if !inc.IsOpen() {
		if err := c.redisClient.HDel(ctx, key, inc.ID).Err(); err != nil {
			return fmt.Errorf("failed to remove incident %s from cache: %w", inc.ID, err)
		}
		return nil
	}

	payload, err := json.Marshal(models.NewIncidentUpdate(&inc))
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	if err := c.redisClient.HSet(ctx, key, inc.ID, payload).Err(); err != nil {
		return fmt.Errorf("failed to cache incident %s: %w", inc.ID, err)
	}
	return nil
}

// OpenIncidents returns cached open incidents, restricted to one device when
// deviceID is set, oldest first.
func (c *SnapshotCache) OpenIncidents(ctx context.Context, deviceID string) ([]models.IncidentUpdate, error) {
	fields, err := c.redisClient.HGetAll(ctx, c.config.Telemetry.Cache.IncidentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read open incidents: %w", err)
	}

	out := make([]models.IncidentUpdate, 0, len(fields))
	for id, val := range fields {
		var u models.IncidentUpdate
		if err := json.Unmarshal([]byte(val), &u); err != nil {
			c.logger.Warn("Skipping malformed cached incident", zap.String("incident_id", id), zap.Error(err))
			continue
		}
		if deviceID != "" && (u.DeviceID == nil || *u.DeviceID != deviceID) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].IncidentID < out[j].IncidentID
	})
	return out, nil
}

// ReplaceIncidents rewrites the open-incident hash from a full list. It runs
// after a warm start and on a schedule, so entries left by a previous run or
// by a dropped sync disappear.
func (c *SnapshotCache) ReplaceIncidents(ctx context.Context, open []models.Incident) error {
	key := c.config.Telemetry.Cache.IncidentsKey
	pipe := c.redisClient.TxPipeline()
	pipe.Del(ctx, key)
	for i := range open {
		payload, err := json.Marshal(models.NewIncidentUpdate(&open[i]))
		if err != nil {
			return fmt.Errorf("failed to marshal incident: %w", err)
		}
		pipe.HSet(ctx, key, open[i].ID, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replace cached incidents: %w", err)
	}

	c.logger.Debug("Rebuilt open incident cache", zap.Int("count", len(open)))
	return nil
}

// Snapshot is the pull view of one device.
type Snapshot struct {
	DeviceID      string                  `json:"device_id"`
	Latest        []models.ReadingUpdate  `json:"latest"`
	OpenIncidents []models.IncidentUpdate `json:"open_incidents"`
	GeneratedAt   time.Time               `json:"generated_at"`

	LastReadingAt  *time.Time `json:"last_reading_at,omitempty"`
	DataAgeMinutes *float64   `json:"data_age_minutes,omitempty"`
	StaleData      bool       `json:"stale_data"`
}

// MarkStaleness sets the data age from the newest latest reading. A device
// with no reading at all, or none within staleAfter, is stale.
func (s *Snapshot) MarkStaleness(now time.Time, staleAfter time.Duration) {
	var newest time.Time
	for _, u := range s.Latest {
		if u.Timestamp.After(newest) {
			newest = u.Timestamp
		}
	}
	if newest.IsZero() {
		s.LastReadingAt, s.DataAgeMinutes = nil, nil
		s.StaleData = true
		return
	}

	age := now.Sub(newest)
	if age < 0 {
		age = 0
	}
	minutes := math.Round(age.Minutes()*10) / 10
	s.LastReadingAt = &newest
	s.DataAgeMinutes = &minutes
	s.StaleData = staleAfter > 0 && age > staleAfter
}

// PatientSnapshot aggregates the snapshots of every device assigned to a
// patient, plus the patient's open incidents.
type PatientSnapshot struct {
	PatientID     string                  `json:"patient_id"`
	Devices       []Snapshot              `json:"devices"`
	OpenIncidents []models.IncidentUpdate `json:"open_incidents"`
	GeneratedAt   time.Time               `json:"generated_at"`
}

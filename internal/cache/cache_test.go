package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"hemis-telemetry/internal/config"
	"hemis-telemetry/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *config.Config) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = redisClient.Close() })

	cfg := &config.Config{}
	cfg.Telemetry.Cache.LatestKeyPrefix = "telemetry:latest:"
	cfg.Telemetry.Cache.LatestTTL = time.Hour
	cfg.Telemetry.Cache.IncidentsKey = "telemetry:incidents:open"
	cfg.Telemetry.DeviceSeen.Stream = "telemetry:device:seen"
	cfg.Telemetry.DeviceSeen.MaxLen = 100

	return mr, redisClient, cfg
}

func reading(metric string, value int64, ts time.Time) models.Reading {
	return models.Reading{
		DeviceID:  "D1",
		MetricID:  metric,
		Timestamp: ts,
		Value:     decimal.NewFromInt(value),
		Quality:   models.QualityOK,
		PatientID: models.StringPtr("P1"),
	}
}

func TestSnapshotCache_StoreReading_NewerWins(t *testing.T) {
	mr, client, cfg := setupTestRedis(t)
	c := NewSnapshotCache(cfg, client, zap.NewNop())
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	stored, err := c.StoreReading(ctx, reading(models.MetricHeartRate, 70, t0))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.StoreReading(ctx, reading(models.MetricHeartRate, 90, t0.Add(-time.Second)))
	require.NoError(t, err)
	assert.False(t, stored, "late reading never replaces a newer one")

	stored, err = c.StoreReading(ctx, reading(models.MetricHeartRate, 75, t0))
	require.NoError(t, err)
	assert.True(t, stored, "equal timestamp replaces")

	_, err = c.StoreReading(ctx, reading(models.MetricSpO2, 97, t0))
	require.NoError(t, err)

	latest, err := c.LatestReadings(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, models.MetricHeartRate, latest[0].Metric)
	assert.Equal(t, float64(75), latest[0].Value)
	assert.Equal(t, "P1", *latest[0].PatientID)
	assert.Equal(t, models.MetricSpO2, latest[1].Metric)

	assert.True(t, mr.TTL("telemetry:latest:D1") > 0)
}

func TestSnapshotCache_LatestReadings_Empty(t *testing.T) {
	_, client, cfg := setupTestRedis(t)
	c := NewSnapshotCache(cfg, client, zap.NewNop())

	latest, err := c.LatestReadings(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestSnapshotCache_SyncIncident(t *testing.T) {
	_, client, cfg := setupTestRedis(t)
	c := NewSnapshotCache(cfg, client, zap.NewNop())
	ctx := context.Background()
	opened := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	inc := models.Incident{
		ID:       "inc-1",
		RuleID:   "tachycardia",
		DeviceID: models.StringPtr("D1"),
		Severity: models.SeverityHigh,
		Status:   models.IncidentOpen,
		OpenedAt: opened,
	}
	other := inc
	other.ID = "inc-2"
	other.DeviceID = models.StringPtr("D2")

	require.NoError(t, c.SyncIncident(ctx, inc))
	require.NoError(t, c.SyncIncident(ctx, other))

	open, err := c.OpenIncidents(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "inc-1", open[0].IncidentID)

	all, err := c.OpenIncidents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	closed := opened.Add(time.Minute)
	inc.Status = models.IncidentResolved
	inc.ClosedAt = &closed
	require.NoError(t, c.SyncIncident(ctx, inc))

	open, err = c.OpenIncidents(ctx, "D1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSnapshotCache_ReplaceIncidents(t *testing.T) {
	_, client, cfg := setupTestRedis(t)
	c := NewSnapshotCache(cfg, client, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, cfg.Telemetry.Cache.IncidentsKey, "stale", "{}").Err())
	require.NoError(t, c.ReplaceIncidents(ctx, []models.Incident{
		{ID: "inc-9", RuleID: "fever", Status: models.IncidentInProgress, DeviceID: models.StringPtr("D3")},
	}))

	ids, err := client.HKeys(ctx, cfg.Telemetry.Cache.IncidentsKey).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"inc-9"}, ids)
}

func TestDeviceSeenPublisher_Publish(t *testing.T) {
	_, client, cfg := setupTestRedis(t)
	p := NewDeviceSeenPublisher(cfg, client, zap.NewNop())
	ctx := context.Background()
	seen := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := p.Publish(ctx, reading(models.MetricHeartRate, 72, seen))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := client.XRange(ctx, cfg.Telemetry.DeviceSeen.Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var event models.DeviceSeen
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &event))
	assert.Equal(t, "D1", event.DeviceID)
	assert.Equal(t, "P1", *event.PatientID)
	assert.True(t, seen.Equal(event.SeenAt))
}

func TestDeviceSeenPublisher_RedisDown(t *testing.T) {
	mr, client, cfg := setupTestRedis(t)
	p := NewDeviceSeenPublisher(cfg, client, zap.NewNop())
	mr.Close()

	_, err := p.Publish(context.Background(), reading(models.MetricHeartRate, 72, time.Now()))
	assert.Error(t, err)
}

func TestSnapshot_MarkStaleness(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := Snapshot{Latest: []models.ReadingUpdate{
		{Metric: models.MetricHeartRate, Timestamp: now.Add(-7 * time.Minute)},
		{Metric: models.MetricSpO2, Timestamp: now.Add(-6 * time.Minute)},
	}}

	snap.MarkStaleness(now, 5*time.Minute)
	assert.True(t, snap.StaleData)
	require.NotNil(t, snap.DataAgeMinutes)
	assert.Equal(t, 6.0, *snap.DataAgeMinutes)
	assert.True(t, now.Add(-6*time.Minute).Equal(*snap.LastReadingAt))

	snap.MarkStaleness(now.Add(-2*time.Minute), 5*time.Minute)
	assert.False(t, snap.StaleData)

	empty := Snapshot{}
	empty.MarkStaleness(now, 5*time.Minute)
	assert.True(t, empty.StaleData)
	assert.Nil(t, empty.DataAgeMinutes)
}

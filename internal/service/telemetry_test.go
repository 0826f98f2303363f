package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hemis-telemetry/internal/config"
	"hemis-telemetry/internal/models"
	"hemis-telemetry/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testSeed = `
devices:
  - id: D1
    patient: P1
  - id: D2
    patient: P2
rules:
  - id: tachycardia
    name: Tachycardia
    metric: heart_rate
    kind: threshold
    operator: ">"
    threshold: 110
    window_minutes: 10
    severity: High
    assign:
      - {}
  - id: sustained-hypoxemia
    name: Sustained low SpO2
    metric: spo2
    kind: trend
    operator: "<="
    threshold: 90
    window_minutes: 5
    severity: Medium
    assign:
      - patient: P1
`

type testService struct {
	*TelemetryService
	store  *repository.MemoryStore
	server *httptest.Server
	redis  *redis.Client
}

func setupService(t *testing.T, withRedis bool) *testService {
	t.Helper()

	seedPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0o600))

	cfg := &config.Config{}
	cfg.StoreDriver = "memory"
	cfg.Telemetry.Pipeline.Workers = 2
	cfg.Telemetry.Pipeline.QueueSize = 64
	cfg.Telemetry.Hub.BufferSize = 32
	cfg.Telemetry.TrendLookupTimeout = time.Second
	cfg.Telemetry.MaxClockSkew = 2 * time.Minute
	cfg.Telemetry.StaleAfter = 5 * time.Minute
	cfg.Telemetry.IncidentHistory = 24 * time.Hour
	cfg.Telemetry.Rules.File = seedPath
	cfg.Telemetry.Rules.ReloadInterval = "@every 1h"
	cfg.Telemetry.Cache.LatestKeyPrefix = "telemetry:latest:"
	cfg.Telemetry.Cache.LatestTTL = time.Hour
	cfg.Telemetry.Cache.IncidentsKey = "telemetry:incidents:open"
	cfg.Telemetry.DeviceSeen.Stream = "telemetry:device:seen"
	cfg.Telemetry.DeviceSeen.MaxLen = 100

	var redisClient *redis.Client
	if withRedis {
		mr := miniredis.RunT(t)
		redisClient = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}

	store := repository.NewMemoryStore()
	s := newTelemetryService(cfg, zap.NewNop(), store, redisClient, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.bootstrap(ctx))
	require.NoError(t, s.startBackground(ctx))

	server := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		server.Close()
		cancel()
		_ = s.Stop()
	})

	return &testService{TelemetryService: s, store: store, server: server, redis: redisClient}
}

func (ts *testService) post(t *testing.T, path, body string) int {
	t.Helper()
	resp, err := http.Post(ts.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func (ts *testService) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestScenario_TachycardiaOpensAndResolves(t *testing.T) {
	ts := setupService(t, false)

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":130}`))

	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 1 }, 2*time.Second, 10*time.Millisecond)
	opened := ts.incidents.Open()[0]
	assert.Equal(t, "tachycardia", opened.RuleID)
	assert.Equal(t, models.SeverityHigh, opened.Severity)
	assert.Equal(t, "P1", *opened.PatientID)
	assert.Equal(t, "D1", *opened.DeviceID)

	// still firing: no duplicate incident
	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":135}`))
	require.Eventually(t, func() bool {
		inc, err := ts.store.GetIncident(context.Background(), opened.ID)
		return err == nil && inc.FiringCount == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, ts.incidents.Open(), 1)

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":80}`))
	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 0 }, 2*time.Second, 10*time.Millisecond)

	resolved, err := ts.store.GetIncident(context.Background(), opened.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, resolved.Status)
	assert.NotNil(t, resolved.ClosedAt)

	open, err := ts.store.ListOpenIncidents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "no new incident until another qualifying reading")
}

func TestScenario_TwoRulesTwoIncidents(t *testing.T) {
	ts := setupService(t, false)
	ctx := context.Background()

	require.NoError(t, ts.registry.AddRule(ctx, models.Rule{
		ID: "hr-elevated", Name: "Elevated heart rate", MetricID: models.MetricHeartRate,
		Kind: models.RuleKindThreshold, Operator: models.OpGreaterEqual, Threshold: decimal.NewFromInt(100),
		WindowMinutes: 10, Severity: models.SeverityMedium, Enabled: true,
	}))
	_, err := ts.registry.Assign(ctx, models.RuleAssignment{RuleID: "hr-elevated", DeviceID: models.StringPtr("D1")})
	require.NoError(t, err)

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":130}`))

	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 2 }, 2*time.Second, 10*time.Millisecond)
	rules := map[string]bool{}
	for _, inc := range ts.incidents.Open() {
		rules[inc.RuleID] = true
	}
	assert.Equal(t, map[string]bool{"tachycardia": true, "hr-elevated": true}, rules)
}

func TestScenario_TrendRuleFollowsPatientAssignment(t *testing.T) {
	ts := setupService(t, false)

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D2","spo2":85}`))
	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","spo2":85}`))

	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 1 }, 2*time.Second, 10*time.Millisecond)
	inc := ts.incidents.Open()[0]
	assert.Equal(t, "sustained-hypoxemia", inc.RuleID)
	assert.Equal(t, "D1", *inc.DeviceID, "D2's patient has no hypoxemia assignment")

	// let D2's evaluation drain before asserting it stayed quiet
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ts.incidents.Open(), 1)
}

func TestScenario_FingerOffNeverFires(t *testing.T) {
	ts := setupService(t, false)

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":0,"spo2":0,"temp_skin":36.5}`))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ts.incidents.Open())
}

func TestScenario_DashboardReceivesUpdates(t *testing.T) {
	ts := setupService(t, false)

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/api/telemetry/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "room_type": "patient", "room_id": "P1"}))

	var ack map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "room_joined", ack["type"])

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":130}`))

	seen := map[string]map[string]any{}
	for len(seen) < 2 {
		var msg map[string]any
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg["type"].(string)] = msg["data"].(map[string]any)
	}

	assert.Equal(t, "D1", seen[models.EventReadingUpdate]["device_id"])
	assert.Equal(t, float64(130), seen[models.EventReadingUpdate]["value"])
	assert.Equal(t, "open", seen[models.EventIncidentUpdate]["status"])
	assert.Equal(t, "P1", seen[models.EventIncidentUpdate]["patient_id"])
}

func TestScenario_SnapshotFromCacheAndStore(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		ts := setupService(t, withRedis)

		require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":130,"spo2":97}`))
		require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 1 }, 2*time.Second, 10*time.Millisecond)

		require.Eventually(t, func() bool {
			var body struct {
				Result struct {
					Latest        []models.ReadingUpdate  `json:"latest"`
					OpenIncidents []models.IncidentUpdate `json:"open_incidents"`
				} `json:"result"`
			}
			status := ts.getJSON(t, "/api/telemetry/devices/D1/snapshot", &body)
			return status == http.StatusOK && len(body.Result.Latest) == 2 && len(body.Result.OpenIncidents) == 1
		}, 2*time.Second, 20*time.Millisecond, "redis=%v", withRedis)

		var missing map[string]any
		assert.Equal(t, http.StatusNotFound, ts.getJSON(t, "/api/telemetry/devices/D9/snapshot", &missing))
	}
}

func TestScenario_DeviceSeenStream(t *testing.T) {
	ts := setupService(t, true)

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D2","heart_rate":72}`))

	require.Eventually(t, func() bool {
		n, err := ts.redis.XLen(context.Background(), "telemetry:device:seen").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScenario_MetricsExposed(t *testing.T) {
	ts := setupService(t, false)
	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":72}`))
	require.Equal(t, http.StatusNotFound, ts.post(t, "/api/telemetry/receive", `{"device_id":"D9","heart_rate":72}`))

	resp, err := http.Get(ts.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `telemetry_readings_accepted_total{metric="heart_rate"} 1`)
	assert.Contains(t, string(body), `telemetry_readings_rejected_total{reason="unknown_device"} 1`)
	assert.Contains(t, string(body), "telemetry_hub_subscribers")
}

func TestBootstrap_WarmStartKeepsOpenIncidents(t *testing.T) {
	ts := setupService(t, false)
	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":130}`))
	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// a second instance over the same store sees the open incident
	restarted := newTelemetryService(ts.config, zap.NewNop(), ts.store, nil, nil)
	require.NoError(t, restarted.bootstrap(context.Background()))
	require.Len(t, restarted.incidents.Open(), 1)
	assert.Equal(t, ts.incidents.Open()[0].ID, restarted.incidents.Open()[0].ID)
}

func TestScenario_SnapshotSurvivesLostResolveSync(t *testing.T) {
	ts := setupService(t, true)
	ctx := context.Background()

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":130}`))
	require.Eventually(t, func() bool {
		cached, err := ts.snapshotCache.OpenIncidents(ctx, "D1")
		return err == nil && len(cached) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the resolve transition never reaches Redis
	ts.incidentOut.Stop()
	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":80}`))
	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 0 }, 2*time.Second, 10*time.Millisecond)

	cached, err := ts.snapshotCache.OpenIncidents(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, cached, 1, "hash still holds the resolved incident")

	var body struct {
		Result struct {
			OpenIncidents []models.IncidentUpdate `json:"open_incidents"`
		} `json:"result"`
	}
	require.Equal(t, http.StatusOK, ts.getJSON(t, "/api/telemetry/devices/D1/snapshot", &body))
	assert.Empty(t, body.Result.OpenIncidents)

	ts.reconcileIncidentCache(ctx)
	cached, err = ts.snapshotCache.OpenIncidents(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestScenario_StoreSnapshotCarriesPatientAndAge(t *testing.T) {
	ts := setupService(t, false)

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":72,"spo2":98}`))

	var body struct {
		Result struct {
			Latest         []models.ReadingUpdate `json:"latest"`
			StaleData      bool                   `json:"stale_data"`
			DataAgeMinutes *float64               `json:"data_age_minutes"`
		} `json:"result"`
	}
	require.Equal(t, http.StatusOK, ts.getJSON(t, "/api/telemetry/devices/D1/snapshot", &body))
	require.Len(t, body.Result.Latest, 2)
	for _, u := range body.Result.Latest {
		require.NotNil(t, u.PatientID, "metric %s", u.Metric)
		assert.Equal(t, "P1", *u.PatientID)
	}
	assert.False(t, body.Result.StaleData)
	require.NotNil(t, body.Result.DataAgeMinutes)
	assert.Less(t, *body.Result.DataAgeMinutes, 1.0)

	var quiet struct {
		Result struct {
			StaleData bool `json:"stale_data"`
		} `json:"result"`
	}
	require.Equal(t, http.StatusOK, ts.getJSON(t, "/api/telemetry/devices/D2/snapshot", &quiet))
	assert.True(t, quiet.Result.StaleData, "a device that never reported is stale")
}

func TestScenario_PatientSnapshotAndReadingHistory(t *testing.T) {
	ts := setupService(t, false)

	for _, hr := range []string{"70", "71", "72"} {
		require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":`+hr+`}`))
	}

	var history struct {
		Result []models.ReadingUpdate `json:"result"`
	}
	require.Equal(t, http.StatusOK, ts.getJSON(t, "/api/telemetry/devices/D1/readings?limit=2", &history))
	require.Len(t, history.Result, 2)
	assert.Equal(t, float64(72), history.Result[0].Value)
	assert.Equal(t, float64(71), history.Result[1].Value)
	assert.Equal(t, "P1", *history.Result[0].PatientID)

	var patient struct {
		Result struct {
			PatientID string `json:"patient_id"`
			Devices   []struct {
				DeviceID string                 `json:"device_id"`
				Latest   []models.ReadingUpdate `json:"latest"`
			} `json:"devices"`
		} `json:"result"`
	}
	require.Equal(t, http.StatusOK, ts.getJSON(t, "/api/telemetry/patients/P1/snapshot", &patient))
	assert.Equal(t, "P1", patient.Result.PatientID)
	require.Len(t, patient.Result.Devices, 1)
	assert.Equal(t, "D1", patient.Result.Devices[0].DeviceID)
	require.Len(t, patient.Result.Devices[0].Latest, 1)
	assert.Equal(t, float64(72), patient.Result.Devices[0].Latest[0].Value)

	var missing map[string]any
	assert.Equal(t, http.StatusNotFound, ts.getJSON(t, "/api/telemetry/patients/P9/snapshot", &missing))
	assert.Equal(t, http.StatusNotFound, ts.getJSON(t, "/api/telemetry/devices/D9/readings", &missing))
}

func TestScenario_IncidentHistoryKeepsResolved(t *testing.T) {
	ts := setupService(t, false)

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":130}`))
	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":80}`))
	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 0 }, 2*time.Second, 10*time.Millisecond)

	var body struct {
		Result []models.IncidentUpdate `json:"result"`
	}
	require.Equal(t, http.StatusOK, ts.getJSON(t, "/api/incidents/history", &body))
	require.Len(t, body.Result, 1)
	assert.Equal(t, models.IncidentResolved, body.Result[0].Status)
	assert.Equal(t, "tachycardia", body.Result[0].RuleID)
}

func TestScenario_FarFutureTimestampUsesArrivalTime(t *testing.T) {
	ts := setupService(t, false)
	before := time.Now()

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":72,"timestamp":"2099-01-01T00:00:00"}`))

	var history struct {
		Result []models.ReadingUpdate `json:"result"`
	}
	require.Equal(t, http.StatusOK, ts.getJSON(t, "/api/telemetry/devices/D1/readings", &history))
	require.Len(t, history.Result, 1)
	assert.WithinDuration(t, before, history.Result[0].Timestamp, time.Minute)
}

func TestNewTelemetryService_WarnsWithoutRedis(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := &config.Config{}
	cfg.StoreDriver = "memory"

	s := newTelemetryService(cfg, zap.New(core), repository.NewMemoryStore(), nil, nil)
	assert.Nil(t, s.deviceSeen)
	assert.Equal(t, 1, logs.FilterMessageSnippet("device_seen events").Len())
}

func TestScenario_DisabledRuleIncidentNeedsOperatorResolve(t *testing.T) {
	ts := setupService(t, false)
	ctx := context.Background()

	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":130}`))
	require.Eventually(t, func() bool { return len(ts.incidents.Open()) == 1 }, 2*time.Second, 10*time.Millisecond)
	inc := ts.incidents.Open()[0]

	require.NoError(t, ts.registry.DisableRule(ctx, "tachycardia"))
	require.Equal(t, http.StatusCreated, ts.post(t, "/api/telemetry/receive", `{"device_id":"D1","heart_rate":80}`))
	time.Sleep(50 * time.Millisecond)
	require.Len(t, ts.incidents.Open(), 1, "no cleared outcome for a disabled rule")

	require.Equal(t, http.StatusOK, ts.post(t, "/api/incidents/"+inc.ID+"/resolve", ""))
	assert.Empty(t, ts.incidents.Open())
}

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "hemis", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 20, cfg.Database.MaxConns)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.True(t, cfg.RedisEnabled)
	assert.False(t, cfg.MQTTEnabled)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)

	assert.Equal(t, "hemis/devices/+/telemetry", cfg.Telemetry.Topic)
	assert.Equal(t, 8, cfg.Telemetry.Pipeline.Workers)
	assert.Equal(t, 256, cfg.Telemetry.Pipeline.QueueSize)
	assert.Equal(t, 64, cfg.Telemetry.Hub.BufferSize)
	assert.Equal(t, 2*time.Second, cfg.Telemetry.TrendLookupTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Telemetry.MaxClockSkew)
	assert.Equal(t, 5*time.Minute, cfg.Telemetry.StaleAfter)
	assert.Equal(t, 24*time.Hour, cfg.Telemetry.IncidentHistory)
	assert.Equal(t, "@every 30s", cfg.Telemetry.Rules.ReloadInterval)
	assert.Equal(t, "telemetry:latest:", cfg.Telemetry.Cache.LatestKeyPrefix)
	assert.Equal(t, "telemetry:incidents:open", cfg.Telemetry.Cache.IncidentsKey)
	assert.Equal(t, "telemetry:device:seen", cfg.Telemetry.DeviceSeen.Stream)
	assert.Equal(t, int64(10000), cfg.Telemetry.DeviceSeen.MaxLen)

	assert.Equal(t, time.Second, cfg.Simulator.Interval)
	assert.Empty(t, cfg.SimulatedDevices())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_PORT", "6543")
	os.Setenv("DB_MAX_CONNS", "50")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("REDIS_DB", "3")
	os.Setenv("MQTT_QOS", "0")
	os.Setenv("STORE_DRIVER", "memory")
	os.Setenv("REDIS_ENABLED", "false")
	os.Setenv("PIPELINE_WORKERS", "2")
	os.Setenv("TREND_LOOKUP_TIMEOUT", "750ms")
	os.Setenv("SIMULATOR_DEVICES", "D1:critical, D2 ,D3:death")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 50, cfg.Database.MaxConns)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, 2, cfg.Telemetry.Pipeline.Workers)
	assert.Equal(t, 750*time.Millisecond, cfg.Telemetry.TrendLookupTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Equal(t, []SimulatedDevice{
		{DeviceID: "D1", Profile: "critical"},
		{DeviceID: "D2", Profile: "normal"},
		{DeviceID: "D3", Profile: "death"},
	}, cfg.SimulatedDevices())

	os.Clearenv()
}

func TestGetEnv(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, "default-value", getEnv("TEST_KEY", "default-value"))

	os.Setenv("TEST_KEY", "env-value")
	assert.Equal(t, "env-value", getEnv("TEST_KEY", "default-value"))
	os.Unsetenv("TEST_KEY")

	os.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
	os.Unsetenv("TEST_INT")
}

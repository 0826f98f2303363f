package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"hemis-telemetry/common/config"
)

// Config telemetry service configuration
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// STORE_DRIVER: "postgres" or "memory"
	StoreDriver string

	// REDIS_ENABLED / MQTT_ENABLED switch the optional collaborators.
	RedisEnabled bool
	MQTTEnabled  bool

	HTTP struct {
		Addr string
	}

	Telemetry struct {
		// MQTT intake topic, device id is the second-to-last segment
		Topic string

		Pipeline struct {
			Workers   int // evaluation shards
			QueueSize int // per-shard queue
		}

		Hub struct {
			BufferSize int // per-subscriber event buffer
		}

		// upper bound for a trend window lookup
		TrendLookupTimeout time.Duration

		// device timestamps further ahead than this are replaced by arrival time
		MaxClockSkew time.Duration

		// a device with no reading for longer is reported stale
		StaleAfter time.Duration

		// default look-back of the incident history endpoint
		IncidentHistory time.Duration

		Rules struct {
			File           string // optional YAML seed
			ReloadInterval string // cron spec, empty disables
		}

		Cache struct {
			LatestKeyPrefix string // "telemetry:latest:" + device id
			LatestTTL       time.Duration
			IncidentsKey    string
		}

		DeviceSeen struct {
			Stream string
			MaxLen int64
		}
	}

	Simulator struct {
		Devices  string // "D1:normal,D2:critical"
		Interval time.Duration
		Duration time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// SimulatedDevice one SIMULATOR_DEVICES entry
type SimulatedDevice struct {
	DeviceID string
	Profile  string
}

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "hemis")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "hemis-telemetry")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.StoreDriver = getEnv("STORE_DRIVER", "postgres")
	cfg.RedisEnabled = getEnvBool("REDIS_ENABLED", true)
	cfg.MQTTEnabled = getEnvBool("MQTT_ENABLED", false)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Telemetry.Topic = getEnv("MQTT_TELEMETRY_TOPIC", "hemis/devices/+/telemetry")
	cfg.Telemetry.Pipeline.Workers = getEnvInt("PIPELINE_WORKERS", 8)
	cfg.Telemetry.Pipeline.QueueSize = getEnvInt("PIPELINE_QUEUE_SIZE", 256)
	cfg.Telemetry.Hub.BufferSize = getEnvInt("HUB_BUFFER_SIZE", 64)
	cfg.Telemetry.TrendLookupTimeout = getEnvDuration("TREND_LOOKUP_TIMEOUT", 2*time.Second)
	cfg.Telemetry.MaxClockSkew = getEnvDuration("MAX_CLOCK_SKEW", 2*time.Minute)
	cfg.Telemetry.StaleAfter = getEnvDuration("STALE_AFTER", 5*time.Minute)
	cfg.Telemetry.IncidentHistory = getEnvDuration("INCIDENT_HISTORY", 24*time.Hour)
	cfg.Telemetry.Rules.File = getEnv("RULES_FILE", "")
	cfg.Telemetry.Rules.ReloadInterval = getEnv("RULES_RELOAD_INTERVAL", "@every 30s")
	cfg.Telemetry.Cache.LatestKeyPrefix = getEnv("CACHE_LATEST_PREFIX", "telemetry:latest:")
	cfg.Telemetry.Cache.LatestTTL = getEnvDuration("CACHE_LATEST_TTL", 24*time.Hour)
	cfg.Telemetry.Cache.IncidentsKey = getEnv("CACHE_INCIDENTS_KEY", "telemetry:incidents:open")
	cfg.Telemetry.DeviceSeen.Stream = getEnv("DEVICE_SEEN_STREAM", "telemetry:device:seen")
	cfg.Telemetry.DeviceSeen.MaxLen = int64(getEnvInt("DEVICE_SEEN_MAXLEN", 10000))

	cfg.Simulator.Devices = getEnv("SIMULATOR_DEVICES", "")
	cfg.Simulator.Interval = getEnvDuration("SIMULATOR_INTERVAL", time.Second)
	cfg.Simulator.Duration = getEnvDuration("SIMULATOR_DURATION", 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// SimulatedDevices parses SIMULATOR_DEVICES. Entries without a profile use "normal".
func (c *Config) SimulatedDevices() []SimulatedDevice {
	var out []SimulatedDevice
	for _, entry := range strings.Split(c.Simulator.Devices, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		deviceID, profile, found := strings.Cut(entry, ":")
		if !found || profile == "" {
			profile = "normal"
		}
		out = append(out, SimulatedDevice{DeviceID: strings.TrimSpace(deviceID), Profile: strings.TrimSpace(profile)})
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.validate() // should not panic

	assert.Equal(t, 5*time.Second, cfg.Intervals.Unplug())
	assert.Equal(t, 10*time.Second, cfg.Intervals.MonthlyLimit())
	assert.Equal(t, 10*time.Second, cfg.Intervals.Schedule())
	assert.Equal(t, 12*time.Second, cfg.Intervals.PowerLimit())
	assert.Equal(t, 30*time.Second, cfg.Intervals.CombinedSweep())
	assert.Equal(t, 2*time.Second, cfg.Intervals.StartupDelay())
	assert.Equal(t, 30*time.Second, cfg.Intervals.UnplugThreshold())
	assert.Equal(t, 15*time.Second, cfg.Intervals.IdleThreshold())
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"store_driver": "postgres",
		"store_dsn": "postgres://outlets@localhost/outlets?sslmode=disable",
		"intervals": {"schedule_seconds": 20},
		"mqtt": {"broker": "tcp://localhost:1883"}
	}`), 0644))

	cfg := Default()
	require.NoError(t, LoadFile(path, &cfg))

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 20*time.Second, cfg.Intervals.Schedule())
	assert.Equal(t, 5*time.Second, cfg.Intervals.Unplug(), "unset intervals keep defaults")
	assert.True(t, cfg.MQTT.Enabled())
	assert.Equal(t, "outlets/+/telemetry", cfg.MQTT.TelemetryTopic)
	cfg.validate()
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := Default()
	assert.Error(t, LoadFile(filepath.Join(t.TempDir(), "missing.json"), &cfg))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))
	assert.Error(t, LoadFile(path, &cfg))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"OUTLET_STORE_DRIVER":      "memory",
		"OUTLET_API_PORT":          "9090",
		"OUTLET_KAFKA_BROKERS":     "kafka-1:9092, kafka-2:9092",
		"OUTLET_SCHEDULE_INTERVAL": "1m",
		"OUTLET_DEBOUNCE":          "bogus",
		"OUTLET_UNPLUG_INTERVAL":   "7",
		"DD_AGENT_ADDR":            "dd:8125",
	}
	cfg := Default()
	applyEnv(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 60, cfg.Intervals.ScheduleSeconds)
	assert.Equal(t, 7, cfg.Intervals.UnplugSeconds, "bare numbers are seconds")
	assert.Equal(t, 5, cfg.Intervals.DebounceSeconds, "unparseable durations are ignored")
	assert.True(t, cfg.EnableDatadog)
	cfg.validate()
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }},
		{"missing dsn", func(c *Config) { c.StoreDSN = "" }},
		{"zero interval", func(c *Config) { c.Intervals.ScheduleSeconds = 0 }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"relay topic without key", func(c *Config) {
			c.MQTT.Broker = "tcp://localhost:1883"
			c.MQTT.RelayTopic = "outlets/relay"
		}},
		{"kafka without topic", func(c *Config) {
			c.Kafka.Brokers = []string{"localhost:9092"}
			c.Kafka.Topic = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Panics(t, cfg.validate)
		})
	}
}

func TestValidate_MemoryNeedsNoDSN(t *testing.T) {
	cfg := Default()
	cfg.StoreDriver = "memory"
	cfg.StoreDSN = ""
	assert.NotPanics(t, cfg.validate)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel("nonsense"))
}

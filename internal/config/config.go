package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Intervals are in seconds, matching the config file.
type Intervals struct {
	UnplugSeconds          int `json:"unplug_seconds"`
	MonthlyLimitSeconds    int `json:"monthly_limit_seconds"`
	ScheduleSeconds        int `json:"schedule_seconds"`
	PowerLimitSeconds      int `json:"power_limit_seconds"`
	CombinedSweepSeconds   int `json:"combined_sweep_seconds"`
	StartupDelaySeconds    int `json:"startup_delay_seconds"`
	DebounceSeconds        int `json:"debounce_seconds"`
	UnplugThresholdSeconds int `json:"unplug_threshold_seconds"`
	IdleThresholdSeconds   int `json:"idle_threshold_seconds"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (i Intervals) Unplug() time.Duration          { return seconds(i.UnplugSeconds) }
func (i Intervals) MonthlyLimit() time.Duration    { return seconds(i.MonthlyLimitSeconds) }
func (i Intervals) Schedule() time.Duration        { return seconds(i.ScheduleSeconds) }
func (i Intervals) PowerLimit() time.Duration      { return seconds(i.PowerLimitSeconds) }
func (i Intervals) CombinedSweep() time.Duration   { return seconds(i.CombinedSweepSeconds) }
func (i Intervals) StartupDelay() time.Duration    { return seconds(i.StartupDelaySeconds) }
func (i Intervals) Debounce() time.Duration        { return seconds(i.DebounceSeconds) }
func (i Intervals) UnplugThreshold() time.Duration { return seconds(i.UnplugThresholdSeconds) }
func (i Intervals) IdleThreshold() time.Duration   { return seconds(i.IdleThresholdSeconds) }

type MQTT struct {
	Broker         string `json:"broker"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	TelemetryTopic string `json:"telemetry_topic"`
	RelayTopic     string `json:"relay_topic"` // fmt pattern taking the outlet key
	QoS            byte   `json:"qos"`
}

func (m MQTT) Enabled() bool { return m.Broker != "" }

type Kafka struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type Config struct {
	ConfigFile string
	EnvFile    string
	LogLevel   zerolog.Level

	LogFile string `json:"log_file"`

	StoreDriver string `json:"store_driver"`
	StoreDSN    string `json:"store_dsn"`

	APIPort          int     `json:"api_port"`
	APIRatePerSecond float64 `json:"api_rate_per_second"`
	APIBurst         int     `json:"api_burst"`

	Timezone string `json:"timezone"`

	Intervals Intervals `json:"intervals"`
	MQTT      MQTT      `json:"mqtt"`
	Kafka     Kafka     `json:"kafka"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic"`

	ServiceUnitPath string `json:"service_unit_path"`
	ServiceUser     string `json:"service_user"`
	ServiceWorkDir  string `json:"service_work_dir"`
	ServiceExec     string `json:"service_exec"`
}

func Default() Config {
	return Config{
		LogFile:          "/var/log/outlet-controller.log",
		StoreDriver:      "sqlite3",
		StoreDSN:         "data/outlets.db",
		APIPort:          8080,
		APIRatePerSecond: 2,
		APIBurst:         4,
		Timezone:         "Local",
		Intervals: Intervals{
			UnplugSeconds:          5,
			MonthlyLimitSeconds:    10,
			ScheduleSeconds:        10,
			PowerLimitSeconds:      12,
			CombinedSweepSeconds:   30,
			StartupDelaySeconds:    2,
			DebounceSeconds:        5,
			UnplugThresholdSeconds: 30,
			IdleThresholdSeconds:   15,
		},
		MQTT: MQTT{
			ClientID:       "outlet-controller",
			TelemetryTopic: "outlets/+/telemetry",
			RelayTopic:     "outlets/%s/relay/set",
			QoS:            1,
		},
		Kafka: Kafka{
			Topic: "outlet-activity",
		},
		DDAgentAddr: "127.0.0.1:8125",
		DDNamespace: "outlet_controller.",

		ServiceUnitPath: "/etc/systemd/system/outlet-controller.service",
		ServiceUser:     "outlet",
		ServiceWorkDir:  "/opt/outlet-controller",
		ServiceExec:     "/opt/outlet-controller/bin/outlet-controller -config-file /opt/outlet-controller/config.json",
	}
}

func Load() Config {
	cfg := Default()
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.EnvFile, "env-file", ".env", "Optional .env file with overrides")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	if err := LoadFile(cfg.ConfigFile, &cfg); err != nil {
		panic("Failed to load config file: " + err.Error())
	}

	// a missing .env is fine
	_ = godotenv.Load(cfg.EnvFile)
	applyEnv(&cfg, os.Getenv)

	cfg.validate()
	return cfg
}

// LoadFile decodes the JSON config at path over the values already in cfg.
func LoadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("OUTLET_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := getenv("OUTLET_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := getenv("OUTLET_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}
	if v := getenv("OUTLET_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := getenv("OUTLET_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := getenv("OUTLET_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := getenv("OUTLET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := getenv("OUTLET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := getenv("OUTLET_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	if v := getenv("OUTLET_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := getenv("OUTLET_NTFY_TOPIC"); v != "" {
		cfg.NtfyTopic = v
	}
	if v := getenv("DD_AGENT_ADDR"); v != "" {
		cfg.DDAgentAddr = v
		cfg.EnableDatadog = true
	}

	durations := map[string]*int{
		"OUTLET_UNPLUG_INTERVAL":        &cfg.Intervals.UnplugSeconds,
		"OUTLET_MONTHLY_LIMIT_INTERVAL": &cfg.Intervals.MonthlyLimitSeconds,
		"OUTLET_SCHEDULE_INTERVAL":      &cfg.Intervals.ScheduleSeconds,
		"OUTLET_POWER_LIMIT_INTERVAL":   &cfg.Intervals.PowerLimitSeconds,
		"OUTLET_COMBINED_SWEEP":         &cfg.Intervals.CombinedSweepSeconds,
		"OUTLET_STARTUP_DELAY":          &cfg.Intervals.StartupDelaySeconds,
		"OUTLET_DEBOUNCE":               &cfg.Intervals.DebounceSeconds,
		"OUTLET_UNPLUG_THRESHOLD":       &cfg.Intervals.UnplugThresholdSeconds,
		"OUTLET_IDLE_THRESHOLD":         &cfg.Intervals.IdleThresholdSeconds,
	}
	for name, target := range durations {
		if v := getenv(name); v != "" {
			secs, err := parseSeconds(v)
			if err != nil {
				log.Warn().Err(err).Str("var", name).Str("value", v).Msg("Ignoring invalid interval override")
				continue
			}
			*target = secs
		}
	}
}

// parseSeconds accepts a Go duration ("30s", "1m") or a bare number of seconds.
func parseSeconds(v string) (int, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("interval %q is neither seconds nor a duration: %w", v, err)
	}
	return int(d / time.Second), nil
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Location resolves the configured timezone used for schedules and day keys.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (cfg *Config) validate() {
	var problems []string

	switch cfg.StoreDriver {
	case "sqlite3", "postgres":
		if cfg.StoreDSN == "" {
			problems = append(problems, "store_dsn is required for driver "+cfg.StoreDriver)
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown store_driver %q", cfg.StoreDriver))
	}

	if cfg.APIPort < 0 || cfg.APIPort > 65535 {
		problems = append(problems, fmt.Sprintf("api_port %d out of range", cfg.APIPort))
	}
	if cfg.APIRatePerSecond <= 0 || cfg.APIBurst <= 0 {
		problems = append(problems, "api_rate_per_second and api_burst must be positive")
	}

	intervals := map[string]int{
		"unplug_seconds":           cfg.Intervals.UnplugSeconds,
		"monthly_limit_seconds":    cfg.Intervals.MonthlyLimitSeconds,
		"schedule_seconds":         cfg.Intervals.ScheduleSeconds,
		"power_limit_seconds":      cfg.Intervals.PowerLimitSeconds,
		"combined_sweep_seconds":   cfg.Intervals.CombinedSweepSeconds,
		"debounce_seconds":         cfg.Intervals.DebounceSeconds,
		"unplug_threshold_seconds": cfg.Intervals.UnplugThresholdSeconds,
		"idle_threshold_seconds":   cfg.Intervals.IdleThresholdSeconds,
	}
	for name, v := range intervals {
		if v <= 0 {
			problems = append(problems, "intervals."+name+" must be positive")
		}
	}
	if cfg.Intervals.StartupDelaySeconds < 0 {
		problems = append(problems, "intervals.startup_delay_seconds must not be negative")
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("unknown timezone %q", cfg.Timezone))
	}
	if cfg.MQTT.Enabled() && (cfg.MQTT.TelemetryTopic == "" || !strings.Contains(cfg.MQTT.RelayTopic, "%s")) {
		problems = append(problems, "mqtt.telemetry_topic and mqtt.relay_topic (with %s) are required when mqtt.broker is set")
	}
	if cfg.Kafka.Enabled() && cfg.Kafka.Topic == "" {
		problems = append(problems, "kafka.topic is required when kafka.brokers is set")
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-level configuration, read from the environment.
// Command-line flags take precedence and are applied by the cmd package.
type Config struct {
	Database DatabaseConfig
	MQTT     MQTTConfig
	Engine   EngineConfig
	HTTPAddr string

	TuningFile    string
	PowerMode     PowerMode
	ThresholdMode ThresholdMode
	LogLevel      slog.Level

	SyncInterval  time.Duration
	SyncBatchSize int
	RosterTTL     time.Duration
}

type DatabaseConfig struct {
	URL string
}

type MQTTConfig struct {
	Broker      string // empty disables publishing
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

type EngineConfig struct {
	Command         string // inference engine entrypoint, split on whitespace
	DetectorModel   string
	RecognizerModel string
	Timeout         time.Duration
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// databaseURL prefers DATABASE_URL and falls back to the POSTGRES_* parts.
func databaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := envString("POSTGRES_PORT", "5432")
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/rollcall"
}

// ParseLevel maps a level name onto slog; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the environment. Invalid mode values fall back to their defaults.
func Load() *Config {
	power, err := ParsePowerMode(envString("ROLLCALL_POWER_MODE", string(PowerBalanced)))
	if err != nil {
		power = PowerBalanced
	}
	threshold, err := ParseThresholdMode(envString("ROLLCALL_THRESHOLD_MODE", string(ModeNormal)))
	if err != nil {
		threshold = ModeNormal
	}

	return &Config{
		Database: DatabaseConfig{
			URL: databaseURL(),
		},
		MQTT: MQTTConfig{
			Broker:      os.Getenv("MQTT_BROKER"),
			ClientID:    os.Getenv("MQTT_CLIENT_ID"),
			TopicPrefix: envString("MQTT_TOPIC_PREFIX", "rollcall"),
			Username:    os.Getenv("MQTT_USERNAME"),
			Password:    os.Getenv("MQTT_PASSWORD"),
		},
		Engine: EngineConfig{
			Command:         envString("ROLLCALL_ENGINE_CMD", "python3 -u python/engine.py"),
			DetectorModel:   envString("ROLLCALL_DETECTOR_MODEL", "models/scrfd_10g_bnkps.onnx"),
			RecognizerModel: envString("ROLLCALL_RECOGNIZER_MODEL", "models/w600k_r50.onnx"),
			Timeout:         envDuration("ROLLCALL_ENGINE_TIMEOUT", 5*time.Second),
		},
		HTTPAddr:      envString("ROLLCALL_HTTP_ADDR", ":8080"),
		TuningFile:    os.Getenv("ROLLCALL_TUNING_FILE"),
		PowerMode:     power,
		ThresholdMode: threshold,
		LogLevel:      ParseLevel(os.Getenv("ROLLCALL_LOG_LEVEL")),
		SyncInterval:  envDuration("ROLLCALL_SYNC_INTERVAL", 15*time.Second),
		SyncBatchSize: envInt("ROLLCALL_SYNC_BATCH", 50),
		RosterTTL:     envDuration("ROLLCALL_ROSTER_TTL", 24*time.Hour),
	}
}

// NewLogger builds the process logger: text records on stderr at the configured level.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

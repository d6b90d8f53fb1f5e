package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/radguard/internal/adaptive"
	"github.com/lazypower/radguard/internal/inject"
)

// Config holds all radguard configuration.
// Precedence: defaults, then the YAML file, then RADGUARD_* environment
// variables.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Scrubber   ScrubberConfig   `yaml:"scrubber"`
	Protection ProtectionConfig `yaml:"protection"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Temporal   TemporalConfig   `yaml:"temporal"`
	Inject     InjectConfig     `yaml:"inject"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// TelemetryRate limits POST /api/telemetry, in requests per second.
	TelemetryRate  float64 `yaml:"telemetry_rate"`
	TelemetryBurst int     `yaml:"telemetry_burst"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ScrubberConfig struct {
	// Interval is the starting scrub period; level changes retune it.
	Interval time.Duration `yaml:"interval"`
}

type ProtectionConfig struct {
	InitialLevel string              `yaml:"initial_level"`
	Thresholds   adaptive.Thresholds `yaml:"thresholds"`
	Alpha        float64             `yaml:"alpha"`
}

type CheckpointConfig struct {
	Max      int           `yaml:"max"`
	Interval time.Duration `yaml:"interval"`
	// History is how many persisted checkpoints are kept per region.
	History int `yaml:"history"`
	// Resume seeds regions from their last persisted checkpoint on startup.
	Resume bool `yaml:"resume"`
}

type TemporalConfig struct {
	Executions int           `yaml:"executions"`
	Delay      time.Duration `yaml:"delay"`
}

type InjectConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // mean upsets per region per scrub cycle
	Seed    uint64  `yaml:"seed"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Bind:           "127.0.0.1",
			Port:           37778,
			TelemetryRate:  20,
			TelemetryBurst: 40,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Scrubber: ScrubberConfig{
			Interval: time.Second,
		},
		Protection: ProtectionConfig{
			InitialLevel: "standard",
			Thresholds:   adaptive.DefaultThresholds,
			Alpha:        adaptive.DefaultAlpha,
		},
		Checkpoint: CheckpointConfig{
			Max:      5,
			Interval: 30 * time.Second,
			History:  100,
			Resume:   true,
		},
		Temporal: TemporalConfig{
			Executions: 3,
			Delay:      10 * time.Millisecond,
		},
		Inject: InjectConfig{
			Rate: 0.1,
			Seed: 1,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RADGUARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RADGUARD_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("RADGUARD_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("RADGUARD_TELEMETRY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.TelemetryRate = f
		}
	}
	if v := os.Getenv("RADGUARD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RADGUARD_SCRUB_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scrubber.Interval = d
		}
	}
	if v := os.Getenv("RADGUARD_INITIAL_LEVEL"); v != "" {
		cfg.Protection.InitialLevel = v
	}
	if v := os.Getenv("RADGUARD_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Protection.Alpha = f
		}
	}
	if v := os.Getenv("RADGUARD_INJECT"); v != "" {
		cfg.Inject.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RADGUARD_INJECT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Inject.Rate = f
		}
	}
	if v := os.Getenv("RADGUARD_INJECT_SEED"); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Inject.Seed = u
		}
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !(c.Server.TelemetryRate > 0) || math.IsInf(c.Server.TelemetryRate, 0) || c.Server.TelemetryBurst < 1 {
		return fmt.Errorf("server.telemetry_rate must be > 0 and telemetry_burst >= 1")
	}
	if c.Scrubber.Interval <= 0 {
		return fmt.Errorf("scrubber.interval must be > 0")
	}
	if _, err := c.InitialLevel(); err != nil {
		return err
	}
	if err := c.Protection.Thresholds.Validate(); err != nil {
		return err
	}
	if !adaptive.ValidAlpha(c.Protection.Alpha) {
		return fmt.Errorf("protection.alpha must be in (0, 1]")
	}
	if c.Checkpoint.Max < 1 {
		return fmt.Errorf("checkpoint.max must be >= 1")
	}
	if c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint.interval must be >= 0")
	}
	if c.Checkpoint.History < 1 {
		return fmt.Errorf("checkpoint.history must be >= 1")
	}
	if c.Temporal.Executions < 1 {
		return fmt.Errorf("temporal.executions must be >= 1")
	}
	if math.IsNaN(c.Inject.Rate) || c.Inject.Rate < 0 || c.Inject.Rate > inject.MaxRate {
		return fmt.Errorf("inject.rate must be between 0 and %d", inject.MaxRate)
	}
	return nil
}

// InitialLevel parses Protection.InitialLevel.
func (c Config) InitialLevel() (adaptive.Level, error) {
	return adaptive.ParseLevel(c.Protection.InitialLevel)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/ingest"
	"github.com/lazypower/valence/internal/logger"
)

// Config holds all valence configuration.
type Config struct {
	Server    ServerConfig   `toml:"server"`
	Database  DatabaseConfig `toml:"database"`
	Engine    EngineConfig   `toml:"engine"`
	Snapshots SnapshotConfig `toml:"snapshots"`
	Kafka     KafkaConfig    `toml:"kafka"`
	Logging   LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// EngineConfig carries the derivation and comparison tunables.
type EngineConfig struct {
	HalfLifeDays      float64 `toml:"half_life_days"`
	MappingCutoff     float64 `toml:"mapping_cutoff"`
	MaturityThreshold int     `toml:"maturity_threshold"`
	DriftThreshold    float64 `toml:"drift_threshold"`
	AgreementDelta    float64 `toml:"agreement_delta"`
	TopN              int     `toml:"top_n"`
	BridgingMargin    float64 `toml:"bridging_margin"`
	NearZero          float64 `toml:"near_zero"`
}

type SnapshotConfig struct {
	Enabled            bool   `toml:"enabled"`
	Schedule           string `toml:"schedule"`            // cron spec, e.g. "@weekly"
	CompactionSchedule string `toml:"compaction_schedule"` // cron spec
	Workers            int    `toml:"workers"`
	WeeklyForDays      int    `toml:"weekly_for_days"`
	MonthlyForDays     int    `toml:"monthly_for_days"`
}

type KafkaConfig struct {
	Brokers  []string `toml:"brokers"`
	Topic    string   `toml:"topic"`
	GroupID  string   `toml:"group_id"`
	DLQTopic string   `toml:"dlq_topic"`
}

type LoggingConfig struct {
	Mode   string `toml:"mode"`  // "prod" or "dev"
	Level  string `toml:"level"` // debug, info, warn, error
	Redact bool   `toml:"redact"`
	Salt   string `toml:"salt"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	s := engine.DefaultSettings()
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Engine: EngineConfig{
			HalfLifeDays:      s.HalfLifeDays,
			MappingCutoff:     s.MappingCutoff,
			MaturityThreshold: s.MaturityThreshold,
			DriftThreshold:    s.DriftThreshold,
			AgreementDelta:    s.Compare.AgreementDelta,
			TopN:              s.Compare.TopN,
			BridgingMargin:    s.Compare.BridgingMargin,
			NearZero:          s.Compare.NearZero,
		},
		Snapshots: SnapshotConfig{
			Enabled:            true,
			Schedule:           s.SnapshotSchedule,
			CompactionSchedule: s.CompactionSchedule,
			Workers:            s.SnapshotWorkers,
			WeeklyForDays:      90,
			MonthlyForDays:     365,
		},
		Kafka: KafkaConfig{
			Topic:    "valence.beliefs",
			GroupID:  "valence",
			DLQTopic: "valence.beliefs.dlq",
		},
		Logging: LoggingConfig{
			Mode:   "dev",
			Level:  "info",
			Redact: true,
		},
	}
}

// DefaultPath returns ~/.valence/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".valence", "config.toml"), nil
}

// Load reads the config at path over the defaults, then applies environment
// overrides. An empty path means VALENCE_CONFIG or the default path. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("VALENCE_CONFIG")
	}
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VALENCE_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("VALENCE_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v := os.Getenv("VALENCE_LOG_MODE"); v != "" {
		c.Logging.Mode = v
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	e := c.Engine
	if e.HalfLifeDays <= 0 {
		return fmt.Errorf("engine.half_life_days must be positive")
	}
	if e.MappingCutoff < 0 || e.MappingCutoff > 1 {
		return fmt.Errorf("engine.mapping_cutoff %v outside [0,1]", e.MappingCutoff)
	}
	if e.MaturityThreshold <= 0 {
		return fmt.Errorf("engine.maturity_threshold must be positive")
	}
	if e.DriftThreshold <= 0 || e.DriftThreshold > 1 {
		return fmt.Errorf("engine.drift_threshold %v outside (0,1]", e.DriftThreshold)
	}
	if e.TopN <= 0 || e.TopN > 5 {
		return fmt.Errorf("engine.top_n %d outside [1,5]", e.TopN)
	}
	for name, v := range map[string]float64{
		"agreement_delta": e.AgreementDelta,
		"bridging_margin": e.BridgingMargin,
		"near_zero":       e.NearZero,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("engine.%s %v outside [0,1]", name, v)
		}
	}
	if c.Snapshots.WeeklyForDays < 0 || c.Snapshots.MonthlyForDays < c.Snapshots.WeeklyForDays {
		return fmt.Errorf("snapshots: monthly_for_days must be at least weekly_for_days")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Settings converts the config to engine settings.
func (c *Config) Settings() engine.Settings {
	const day = 24 * time.Hour
	return engine.Settings{
		HalfLifeDays:      c.Engine.HalfLifeDays,
		MappingCutoff:     c.Engine.MappingCutoff,
		MaturityThreshold: c.Engine.MaturityThreshold,
		DriftThreshold:    c.Engine.DriftThreshold,
		Compare: engine.CompareOptions{
			TopN:           c.Engine.TopN,
			AgreementDelta: c.Engine.AgreementDelta,
			BridgingMargin: c.Engine.BridgingMargin,
			NearZero:       c.Engine.NearZero,
		},
		Retention: engine.RetentionPolicy{
			WeeklyFor:  time.Duration(c.Snapshots.WeeklyForDays) * day,
			MonthlyFor: time.Duration(c.Snapshots.MonthlyForDays) * day,
		},
		SnapshotSchedule:   c.Snapshots.Schedule,
		CompactionSchedule: c.Snapshots.CompactionSchedule,
		SnapshotWorkers:    c.Snapshots.Workers,
	}
}

// IngestConfig returns the Kafka consumer settings.
func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		Brokers:  c.Kafka.Brokers,
		Topic:    c.Kafka.Topic,
		GroupID:  c.Kafka.GroupID,
		DLQTopic: c.Kafka.DLQTopic,
	}
}

// LoggerOptions returns the logger settings.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Mode:   c.Logging.Mode,
		Level:  c.Logging.Level,
		Redact: c.Logging.Redact,
		Salt:   c.Logging.Salt,
	}
}

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "FACEHASH_"

type Config struct {
	Frame     FrameConfig     `yaml:"frame"`
	Models    ModelsConfig    `yaml:"models"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Serial    SerialConfig    `yaml:"serial"`
	Match     MatchConfig     `yaml:"match"`
	Store     StoreConfig     `yaml:"store"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
}

type FrameConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type ModelsConfig struct {
	Dir          string `yaml:"dir"`
	Runtime      string `yaml:"runtime"` // accelerator runtime command, may carry arguments
	Detect       string `yaml:"detect"`
	Landmark     string `yaml:"landmark"`
	Embed        string `yaml:"embed"`
	EmbeddingDim int    `yaml:"embedding_dim"`
}

type TriggerConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type SerialConfig struct {
	Device    string        `yaml:"device"` // empty writes to stdout
	SendDelay time.Duration `yaml:"send_delay"`
}

type MatchConfig struct {
	Threshold float64 `yaml:"threshold"` // reported score is Threshold+1
}

type StoreConfig struct {
	MaxRecords int `yaml:"max_records"` // 0 = unbounded
}

type SnapshotsConfig struct {
	Dir   string `yaml:"dir"` // empty disables snapshots
	Every int    `yaml:"every"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the metrics server
}

type DatabaseConfig struct {
	URL   string `yaml:"url"` // empty disables the journal
	Queue int    `yaml:"queue"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns the embedded configuration.
func Defaults() *Config {
	var c Config
	if err := yaml.Unmarshal(defaultsYAML, &c); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &c
}

// Load layers the embedded defaults, the optional YAML file at path and the
// environment, then validates the result.
func Load(path string) (*Config, error) {
	c := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString("MODEL_DIR", &c.Models.Dir)
	envString("RUNTIME", &c.Models.Runtime)
	envString("SERIAL_DEVICE", &c.Serial.Device)
	envString("SNAPSHOT_DIR", &c.Snapshots.Dir)
	envString("METRICS_ADDR", &c.Metrics.Addr)
	envString("DATABASE_URL", &c.Database.URL)
	envString("LOG_LEVEL", &c.Log.Level)

	c.Models.EmbeddingDim = envInt("EMBEDDING_DIM", c.Models.EmbeddingDim)
	c.Snapshots.Every = envInt("SNAPSHOT_EVERY", c.Snapshots.Every)
	c.Store.MaxRecords = envInt("MAX_RECORDS", c.Store.MaxRecords)

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"DEBOUNCE", &c.Trigger.Debounce},
		{"SEND_DELAY", &c.Serial.SendDelay},
	} {
		if s := os.Getenv(EnvPrefix + d.key); s != "" {
			v, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
			}
			*d.dst = v
		}
	}
	return nil
}

func envString(key string, dst *string) {
	if s, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = s
	}
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// MinFrameSide is the smallest frame side a detection box can be clamped into.
const MinFrameSide = 3

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Frame.Width < MinFrameSide || c.Frame.Height < MinFrameSide {
		errs = append(errs, fmt.Errorf("frame size %dx%d must be at least %dx%d", c.Frame.Width, c.Frame.Height, MinFrameSide, MinFrameSide))
	}
	if c.Models.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding_dim %d must be positive", c.Models.EmbeddingDim))
	}
	if c.Trigger.Debounce < 0 || c.Serial.SendDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Store.MaxRecords < 0 {
		errs = append(errs, fmt.Errorf("max_records %d must not be negative", c.Store.MaxRecords))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

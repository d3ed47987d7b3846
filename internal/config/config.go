// Package config loads node configuration files (YAML, TOML or JSON) and
// turns them into broker options.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

var (
	ErrRead    = errors.New("config: could not read file")
	ErrFormat  = errors.New("config: unsupported file format")
	ErrParse   = errors.New("config: could not parse file")
	ErrDecode  = errors.New("config: invalid value")
	ErrOptions = errors.New("config: invalid transporter options")
)

type Config struct {
	NodeID   string         `mapstructure:"node_id"`
	Metadata map[string]any `mapstructure:"metadata"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	HTTP    HTTPConfig    `mapstructure:"http"`

	Serializer  string            `mapstructure:"serializer"`
	Transporter TransporterConfig `mapstructure:"transporter"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`

	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxCallLevel       int           `mapstructure:"max_call_level"`
	NodeCleanupTimeout time.Duration `mapstructure:"node_cleanup_timeout"`
	Heartbeat          Heartbeat     `mapstructure:"heartbeat"`

	Retry          RetryConfig          `mapstructure:"retry"`
	Bulkhead       BulkheadConfig       `mapstructure:"bulkhead"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Labels map[string]string `mapstructure:"labels"`
}

type HTTPConfig struct {
	// Listen is the address of the HTTP surface, empty to disable it.
	Listen string `mapstructure:"listen"`
}

type TransporterConfig struct {
	Type    string         `mapstructure:"type"`
	Options map[string]any `mapstructure:"options"`
}

type StrategyConfig struct {
	Name        string         `mapstructure:"name"`
	Options     map[string]any `mapstructure:"options"`
	PreferLocal bool           `mapstructure:"prefer_local"`
}

type Heartbeat struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Retries  int           `mapstructure:"retries"`
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Factor   float64       `mapstructure:"factor"`
}

type BulkheadConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	Concurrency  int  `mapstructure:"concurrency"`
	MaxQueueSize int  `mapstructure:"max_queue_size"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxFailures      int           `mapstructure:"max_failures"`
	Threshold        float64       `mapstructure:"threshold"`
	WindowTime       time.Duration `mapstructure:"window_time"`
	MinRequestCount  int           `mapstructure:"min_request_count"`
	HalfOpenTime     time.Duration `mapstructure:"half_open_time"`
	FailureOnTimeout bool          `mapstructure:"failure_on_timeout"`
	FailureOnReject  bool          `mapstructure:"failure_on_reject"`
}

// Default configuration of a standalone node.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Serializer:  "json",
		Transporter: TransporterConfig{Type: "none"},
		Strategy: StrategyConfig{
			Name:        "RoundRobin",
			PreferLocal: true,
		},
		NodeCleanupTimeout: 10 * time.Minute,
		Heartbeat: Heartbeat{
			Interval: 10 * time.Second,
			Timeout:  30 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureOnTimeout: true,
			FailureOnReject:  true,
		},
	}
}

// Load reads the file at path, its format is chosen by extension. Keys
// absent from the file keep their `Default` value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrRead, err)
	}

	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		_, err = toml.Decode(string(data), &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrFormat, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrParse, err)
	}

	cfg := Default()
	if err := Decode(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode decodes loosely typed values into out. Durations may be written
// as strings such as "1.5s". Unknown keys are rejected.
func Decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

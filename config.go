package tagbus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the prefix of environment variables read by
// LoadConfigFromEnv
const DefaultEnvPrefix = "TAGBUS_"

// Config holds the recognized bus settings. It can be loaded from the
// environment or a YAML document and applied with WithConfig.
type Config struct {
	HistoryEnabled   bool             `env:"HISTORY_ENABLED" envDefault:"true" yaml:"history_enabled"`
	HistoryCapacity  int              `env:"HISTORY_CAPACITY" envDefault:"32" yaml:"history_capacity"`
	ValidationPolicy ValidationPolicy `env:"VALIDATION_POLICY" envDefault:"balanced" yaml:"validation_policy"`
	RequestRate      float64          `env:"REQUEST_RATE" envDefault:"0" yaml:"request_rate"`
	RequestBurst     int              `env:"REQUEST_BURST" envDefault:"10" yaml:"request_burst"`
	DedupeTTL        time.Duration    `env:"DEDUPE_TTL" envDefault:"5m" yaml:"dedupe_ttl"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		HistoryEnabled:   true,
		HistoryCapacity:  DefaultHistoryCapacity,
		ValidationPolicy: PolicyBalanced,
		RequestBurst:     DefaultRequestBurst,
		DedupeTTL:        DefaultDedupeTTL,
	}
}

// Validate fails fast on settings the bus cannot run with
func (c Config) Validate() error {
	if c.HistoryEnabled && c.HistoryCapacity <= 0 {
		return fmt.Errorf("%w: history_capacity must be > 0 when history is enabled, got %d",
			ErrInvalidConfig, c.HistoryCapacity)
	}
	if !c.ValidationPolicy.IsValid() {
		return fmt.Errorf("%w: unknown validation policy %d", ErrInvalidConfig, int(c.ValidationPolicy))
	}
	if c.DedupeTTL < 0 {
		return fmt.Errorf("%w: dedupe_ttl must be >= 0, got %s", ErrInvalidConfig, c.DedupeTTL)
	}
	if c.RequestRate < 0 {
		return fmt.Errorf("%w: request_rate must be >= 0, got %g", ErrInvalidConfig, c.RequestRate)
	}
	if c.RequestRate > 0 && c.RequestBurst <= 0 {
		return fmt.Errorf("%w: request_burst must be > 0 when request_rate is set, got %d",
			ErrInvalidConfig, c.RequestBurst)
	}
	return nil
}

// LoadConfigFromEnv reads the configuration from environment variables.
// An empty prefix selects DefaultEnvPrefix.
//
//	TAGBUS_HISTORY_ENABLED=true
//	TAGBUS_HISTORY_CAPACITY=64
//	TAGBUS_VALIDATION_POLICY=strict
func LoadConfigFromEnv(prefix string) (Config, error) {
	return loadConfigFromEnv(prefix, nil)
}

func loadConfigFromEnv(prefix string, environ map[string]string) (Config, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: prefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfigYAML reads the configuration from a YAML document. Missing keys
// keep their defaults; unknown keys are rejected.
func LoadConfigYAML(r io.Reader) (Config, error) {
	c := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfigFile reads a YAML configuration file
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return LoadConfigYAML(f)
}

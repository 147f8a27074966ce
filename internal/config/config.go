// Package config parses and validates the YAML configuration file read by
// both roamshell binaries. The per-session secret is deliberately excluded
// from this file: it arrives out-of-band via MOSH_KEY and the server's
// handshake line, the way upstream mosh keeps it out of anything that
// might be checked into version control.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure so callers can
// test for it with errors.Is.
var ErrInvalidConfig = fmt.Errorf("config: invalid configuration")

// Protocol and display defaults shared by both binaries.
const (
	DefaultPortLow        = 60000
	DefaultPortHigh       = 61000
	DefaultMTU            = 1280
	DefaultPrediction     = "adaptive"
	DefaultIdleWarn       = "6s"
	DefaultIdleStale      = "60s"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// ServerConfig holds the server-side knobs: the port range it binds within
// and the path MTU it fragments to.
type ServerConfig struct {
	PortLow  int `yaml:"port_low"`
	PortHigh int `yaml:"port_high"`
	MTU      int `yaml:"mtu"`
}

// PredictionConfig selects the client's local-echo prediction mode.
type PredictionConfig struct {
	Mode string `yaml:"mode"` // "adaptive" | "always" | "never"
}

// TimeoutConfig holds the advisory staleness windows.
type TimeoutConfig struct {
	IdleWarn  string `yaml:"idle_warn"`
	IdleStale string `yaml:"idle_stale"`
}

// LoggingConfig selects the slog level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level roamshell configuration document.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Prediction PredictionConfig  `yaml:"prediction"`
	Timeouts   TimeoutConfig     `yaml:"timeouts"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// Default returns a Config with every field populated with its default.
func Default() Config {
	return Config{
		Server:     ServerConfig{PortLow: DefaultPortLow, PortHigh: DefaultPortHigh, MTU: DefaultMTU},
		Prediction: PredictionConfig{Mode: DefaultPrediction},
		Timeouts:   TimeoutConfig{IdleWarn: DefaultIdleWarn, IdleStale: DefaultIdleStale},
		Logging:    LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Load reads and parses a YAML configuration file at path, applying
// defaults to any field the document leaves zero-valued, then validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write validates cfg and marshals it to a YAML document at path,
// refusing to clobber an existing file.
func Write(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("config: create %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.PortLow == 0 {
		c.Server.PortLow = DefaultPortLow
	}
	if c.Server.PortHigh == 0 {
		c.Server.PortHigh = DefaultPortHigh
	}
	if c.Server.MTU == 0 {
		c.Server.MTU = DefaultMTU
	}
	if c.Prediction.Mode == "" {
		c.Prediction.Mode = DefaultPrediction
	}
	if c.Timeouts.IdleWarn == "" {
		c.Timeouts.IdleWarn = DefaultIdleWarn
	}
	if c.Timeouts.IdleStale == "" {
		c.Timeouts.IdleStale = DefaultIdleStale
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate checks field-level constraints, aggregating every violation it
// finds rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.PortLow < 1 || c.Server.PortLow > 65535 {
		errs = append(errs, fmt.Errorf("%w: server.port_low %d out of range", ErrInvalidConfig, c.Server.PortLow))
	}
	if c.Server.PortHigh < c.Server.PortLow {
		errs = append(errs, fmt.Errorf("%w: server.port_high %d below port_low %d", ErrInvalidConfig, c.Server.PortHigh, c.Server.PortLow))
	}
	if c.Server.MTU < 134 {
		// HeaderLen(66) + FragHeaderLen(10) + at least one content byte,
		// rounded up to a sane floor.
		errs = append(errs, fmt.Errorf("%w: server.mtu %d too small to carry a fragment", ErrInvalidConfig, c.Server.MTU))
	}

	switch c.Prediction.Mode {
	case "adaptive", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("%w: prediction.mode %q must be adaptive, always, or never", ErrInvalidConfig, c.Prediction.Mode))
	}

	if _, err := parseDuration(c.Timeouts.IdleWarn); err != nil {
		errs = append(errs, fmt.Errorf("%w: timeouts.idle_warn: %v", ErrInvalidConfig, err))
	}
	if _, err := parseDuration(c.Timeouts.IdleStale); err != nil {
		errs = append(errs, fmt.Errorf("%w: timeouts.idle_stale: %v", ErrInvalidConfig, err))
	}

	return joinErrors(errs)
}

// Package config loads ldntunnel client configuration from TOML.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nxldn/ldntunnel/connection"
)

// Config is the full client configuration.
type Config struct {
	// RelayAddr is the host:port of the relay server.
	RelayAddr string `toml:"relay_addr"`

	// Reconnect tunes the backoff schedule.
	Reconnect ReconnectConfig `toml:"reconnect"`

	// EnablePortMap turns on UPnP port mapping.
	EnablePortMap bool `toml:"enable_portmap"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `toml:"log_level"`
}

// ReconnectConfig mirrors connection.BackoffConfig in TOML-friendly form;
// delays are in milliseconds.
type ReconnectConfig struct {
	InitialDelayMs    uint32 `toml:"initial_delay_ms"`
	MaxDelayMs        uint32 `toml:"max_delay_ms"`
	MultiplierPercent uint32 `toml:"multiplier_percent"`
	JitterPercent     uint32 `toml:"jitter_percent"`
	MaxRetries        uint32 `toml:"max_retries"`
}

// Default returns the standard configuration: the default backoff
// schedule, port mapping on, info logging.
func Default() Config {
	b := connection.DefaultBackoffConfig()
	return Config{
		Reconnect: ReconnectConfig{
			InitialDelayMs:    uint32(b.InitialDelay / time.Millisecond),
			MaxDelayMs:        uint32(b.MaxDelay / time.Millisecond),
			MultiplierPercent: b.MultiplierPercent,
			JitterPercent:     b.JitterPercent,
			MaxRetries:        b.MaxRetries,
		},
		EnablePortMap: true,
		LogLevel:      "info",
	}
}

// Load parses a TOML file over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults. Unknown keys are an error.
func Parse(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the backoff scheduler cannot run with.
func (c Config) Validate() error {
	if c.RelayAddr == "" {
		return fmt.Errorf("config: relay_addr is required")
	}
	if c.Reconnect.InitialDelayMs == 0 {
		return fmt.Errorf("config: initial_delay_ms must be positive")
	}
	if c.Reconnect.MaxDelayMs < c.Reconnect.InitialDelayMs {
		return fmt.Errorf("config: max_delay_ms must be >= initial_delay_ms")
	}
	if c.Reconnect.MultiplierPercent == 0 {
		return fmt.Errorf("config: multiplier_percent must be positive")
	}
	return nil
}

// Backoff converts the reconnect section to the scheduler's native form.
func (c Config) Backoff() connection.BackoffConfig {
	return connection.BackoffConfig{
		InitialDelay:      time.Duration(c.Reconnect.InitialDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond,
		MultiplierPercent: c.Reconnect.MultiplierPercent,
		JitterPercent:     c.Reconnect.JitterPercent,
		MaxRetries:        c.Reconnect.MaxRetries,
	}
}

// Package config provides configuration parsing and validation for the
// surge-ping command.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wladwm/surge-ping/internal/icmp"
	"github.com/wladwm/surge-ping/internal/ratelimit"
)

// Config represents the complete command configuration.
type Config struct {
	Probe   ProbeConfig   `yaml:"probe"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ProbeConfig contains the per-probe defaults and the shared socket
// options.
type ProbeConfig struct {
	// PayloadSize is the echo payload size in bytes.
	PayloadSize int `yaml:"payload_size"`

	// Timeout bounds each individual ping call.
	Timeout time.Duration `yaml:"timeout"`

	// Interval is the pause between ping rounds to one destination.
	Interval time.Duration `yaml:"interval"`

	// Count is the number of rounds per destination. 0 pings forever.
	Count int `yaml:"count"`

	// TTL for outbound packets. 0 leaves the kernel default.
	TTL int `yaml:"ttl"`

	// RateLimit caps outbound sends per shared socket, in packets per
	// second. 0 selects the engine default.
	RateLimit int `yaml:"rate_limit"`

	// Interface optionally binds sockets to a device (Linux only).
	Interface string `yaml:"interface"`

	// Privileged selects raw ICMP sockets; unprivileged datagram
	// sockets need the net.ipv4.ping_group_range sysctl on Linux.
	Privileged bool `yaml:"privileged"`

	// SendBuffer and RecvBuffer size the kernel socket buffers. 0
	// leaves the defaults.
	SendBuffer int `yaml:"send_buffer"`
	RecvBuffer int `yaml:"recv_buffer"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig contains the metrics/health listener settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Probe: ProbeConfig{
			PayloadSize: 56,
			Timeout:     2 * time.Second,
			Interval:    time.Second,
			Count:       4,
			RateLimit:   ratelimit.DefaultPacketsPerSecond,
			Privileged:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9110",
		},
	}
}

// Load reads a YAML configuration file, layering it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine would reject
// later anyway, so mistakes surface at startup.
func (c *Config) Validate() error {
	p := &c.Probe
	if p.PayloadSize < 0 || p.PayloadSize > icmp.MaxPayload {
		return fmt.Errorf("probe.payload_size %d out of range [0, %d]", p.PayloadSize, icmp.MaxPayload)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be positive, got %v", p.Timeout)
	}
	if p.Interval < 0 {
		return fmt.Errorf("probe.interval must not be negative, got %v", p.Interval)
	}
	if p.Count < 0 {
		return fmt.Errorf("probe.count must not be negative, got %d", p.Count)
	}
	if p.TTL < 0 || p.TTL > 255 {
		return fmt.Errorf("probe.ttl %d out of range [0, 255]", p.TTL)
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("probe.rate_limit must not be negative, got %d", p.RateLimit)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q unknown", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q unknown", c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address required when metrics are enabled")
	}
	return nil
}

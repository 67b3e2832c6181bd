// Package config manages rendezvousd configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structure
// -------------------------------------------------------------------------

// Config holds the complete rendezvousd configuration.
type Config struct {
	BindIP    string `koanf:"bind_ip"`
	Port      uint16 `koanf:"port"`
	Verbose   bool   `koanf:"verbose"`
	Daemonize bool   `koanf:"daemonize"`

	TimeoutSocketWait              time.Duration `koanf:"timeout_socket_wait"`
	TimeoutNoConnections           time.Duration `koanf:"timeout_no_connections"`
	TimeoutPairing                 time.Duration `koanf:"timeout_pairing"`
	TimeoutConnectionInactivities  time.Duration `koanf:"timeout_connection_inactivities"`

	PresharedKey string `koanf:"preshared_key"`

	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g.,
	// ":9100"). Empty disables the metrics server.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// BindAddrPort resolves BindIP and Port into a netip.AddrPort for binding
// the relay's UDP socket.
func (c *Config) BindAddrPort() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.BindIP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse bind_ip %q: %w", c.BindIP, err)
	}
	return netip.AddrPortFrom(addr, c.Port), nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults from the
// relay's options table.
func DefaultConfig() *Config {
	return &Config{
		BindIP:  "0.0.0.0",
		Port:    0,
		Verbose: false,

		TimeoutSocketWait:             25 * time.Second,
		TimeoutNoConnections:          300 * time.Second,
		TimeoutPairing:                90 * time.Second,
		TimeoutConnectionInactivities: 180 * time.Second,

		PresharedKey: "change-me",

		Log: LogConfig{
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for rendezvousd configuration.
// Variables are named RENDEZVOUS_<key>, e.g., RENDEZVOUS_BIND_IP.
const envPrefix = "RENDEZVOUS_"

// Load reads configuration from an optional YAML file at path, overlays
// environment variable overrides (RENDEZVOUS_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. path may be empty, in
// which case only defaults and environment are consulted; the caller
// overlays CLI flags afterward.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms RENDEZVOUS_BIND_IP -> bind_ip, and nests the
// log/metrics sub-keys (RENDEZVOUS_LOG_FORMAT -> log.format).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	switch {
	case strings.HasPrefix(s, "log_"):
		return "log." + strings.TrimPrefix(s, "log_")
	case strings.HasPrefix(s, "metrics_"):
		return "metrics." + strings.TrimPrefix(s, "metrics_")
	default:
		return s
	}
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"bind_ip":                         defaults.BindIP,
		"port":                            defaults.Port,
		"verbose":                         defaults.Verbose,
		"daemonize":                       defaults.Daemonize,
		"timeout_socket_wait":             defaults.TimeoutSocketWait.String(),
		"timeout_no_connections":          defaults.TimeoutNoConnections.String(),
		"timeout_pairing":                 defaults.TimeoutPairing.String(),
		"timeout_connection_inactivities": defaults.TimeoutConnectionInactivities.String(),
		"preshared_key":                   defaults.PresharedKey,
		"log.format":                      defaults.Log.Format,
		"metrics.addr":                    defaults.Metrics.Addr,
		"metrics.path":                    defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPort indicates the UDP port is outside the valid range.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrInvalidBindIP indicates bind_ip does not parse as an IP address.
	ErrInvalidBindIP = errors.New("bind_ip is not a valid IP address")

	// ErrInvalidTimeout indicates a timeout field is not strictly positive.
	ErrInvalidTimeout = errors.New("timeout must be > 0")

	// ErrPresharedKeyTooLong indicates the preshared key exceeds the wire
	// format's single-byte length prefix.
	ErrPresharedKeyTooLong = errors.New("preshared_key exceeds 255 bytes")
)

// maxPresharedKeyLen is the largest preshared key the wire format's
// single-byte length-prefixed field can carry.
const maxPresharedKeyLen = 255

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return ErrInvalidPort
	}

	if _, err := netip.ParseAddr(cfg.BindIP); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBindIP, err)
	}

	for name, d := range map[string]time.Duration{
		"timeout_socket_wait":             cfg.TimeoutSocketWait,
		"timeout_no_connections":          cfg.TimeoutNoConnections,
		"timeout_pairing":                 cfg.TimeoutPairing,
		"timeout_connection_inactivities": cfg.TimeoutConnectionInactivities,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidTimeout)
		}
	}

	if len(cfg.PresharedKey) > maxPresharedKeyLen {
		return ErrPresharedKeyTooLong
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level
// -------------------------------------------------------------------------

// LevelFor maps the verbose flag to a slog.Level: verbose enables debug
// output, otherwise info.
func LevelFor(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

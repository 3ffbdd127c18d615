// Package config loads runtime configuration for the talkwire server.
// Precedence: CLI flags > environment variables > config file > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the talkwire server.
type Config struct {
	DataDir      string
	BrokerPort   int // device signalling + relay listener
	DevicePort   int // default port for point-to-point bridge targets
	HTTPPort     int
	LogLevel     string
	LogFormat    string // "text" or "json"
	RingTimeout  time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
	HistoryOff   bool // disable the sqlite call log
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultBrokerPort   = 6060
	defaultDevicePort   = 6054
	defaultHTTPPort     = 8080
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultRingTimeout  = 30 * time.Second
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 30 * time.Second
)

// envPrefix is the prefix for all talkwire environment variables.
const envPrefix = "TALKWIRE_"

// fileConfig mirrors Config for the optional YAML config file. Pointer
// fields distinguish "absent" from zero values; durations are strings in
// time.ParseDuration syntax.
type fileConfig struct {
	DataDir      *string `yaml:"data_dir"`
	BrokerPort   *int    `yaml:"broker_port"`
	DevicePort   *int    `yaml:"device_port"`
	HTTPPort     *int    `yaml:"http_port"`
	LogLevel     *string `yaml:"log_level"`
	LogFormat    *string `yaml:"log_format"`
	RingTimeout  *string `yaml:"ring_timeout"`
	PingInterval *string `yaml:"ping_interval"`
	PingTimeout  *string `yaml:"ping_timeout"`
	HistoryOff   *bool   `yaml:"history_off"`
}

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

// load implements Load for a given argument list so tests can drive it.
func load(args []string) (*Config, error) {
	flagCfg := &Config{}
	fs := flag.NewFlagSet("talkwire", flag.ContinueOnError)

	var configFile string
	fs.StringVar(&configFile, "config", "", "path to optional YAML config file")
	fs.StringVar(&flagCfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.IntVar(&flagCfg.BrokerPort, "broker-port", defaultBrokerPort, "TCP listen port for device connections")
	fs.IntVar(&flagCfg.DevicePort, "device-port", defaultDevicePort, "default TCP port for point-to-point bridge targets")
	fs.IntVar(&flagCfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&flagCfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&flagCfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.DurationVar(&flagCfg.RingTimeout, "ring-timeout", defaultRingTimeout, "how long a call may ring before timing out")
	fs.DurationVar(&flagCfg.PingInterval, "ping-interval", defaultPingInterval, "heartbeat ping interval on device connections")
	fs.DurationVar(&flagCfg.PingTimeout, "ping-timeout", defaultPingTimeout, "silence window after which a device is disconnected")
	fs.BoolVar(&flagCfg.HistoryOff, "no-history", false, "disable the sqlite call history log")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	cfg := &Config{
		DataDir:      defaultDataDir,
		BrokerPort:   defaultBrokerPort,
		DevicePort:   defaultDevicePort,
		HTTPPort:     defaultHTTPPort,
		LogLevel:     defaultLogLevel,
		LogFormat:    defaultLogFormat,
		RingTimeout:  defaultRingTimeout,
		PingInterval: defaultPingInterval,
		PingTimeout:  defaultPingTimeout,
	}

	if configFile == "" {
		configFile = os.Getenv(envPrefix + "CONFIG")
	}
	if configFile != "" {
		if err := applyFile(cfg, configFile); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	applyFlagOverrides(cfg, flagCfg, fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyFile overlays values from a YAML config file onto cfg.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.DataDir != nil {
		cfg.DataDir = *fc.DataDir
	}
	if fc.BrokerPort != nil {
		cfg.BrokerPort = *fc.BrokerPort
	}
	if fc.DevicePort != nil {
		cfg.DevicePort = *fc.DevicePort
	}
	if fc.HTTPPort != nil {
		cfg.HTTPPort = *fc.HTTPPort
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogFormat != nil {
		cfg.LogFormat = *fc.LogFormat
	}
	if fc.HistoryOff != nil {
		cfg.HistoryOff = *fc.HistoryOff
	}
	for _, d := range []struct {
		src *string
		dst *time.Duration
		key string
	}{
		{fc.RingTimeout, &cfg.RingTimeout, "ring_timeout"},
		{fc.PingInterval, &cfg.PingInterval, "ping_interval"},
		{fc.PingTimeout, &cfg.PingTimeout, "ping_timeout"},
	} {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("parsing %s in config file: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

// applyEnvOverrides overlays TALKWIRE_* environment variables onto cfg.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookup("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookup("BROKER_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BrokerPort = n
		}
	}
	if v, ok := lookup("DEVICE_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DevicePort = n
		}
	}
	if v, ok := lookup("HTTP_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("RING_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RingTimeout = d
		}
	}
	if v, ok := lookup("PING_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PingInterval = d
		}
	}
	if v, ok := lookup("PING_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PingTimeout = d
		}
	}
	if v, ok := lookup("NO_HISTORY"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HistoryOff = b
		}
	}
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// applyFlagOverrides copies only explicitly-set CLI flags onto cfg, so flags
// win over both env vars and the config file.
func applyFlagOverrides(cfg, flagCfg *Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = flagCfg.DataDir
		case "broker-port":
			cfg.BrokerPort = flagCfg.BrokerPort
		case "device-port":
			cfg.DevicePort = flagCfg.DevicePort
		case "http-port":
			cfg.HTTPPort = flagCfg.HTTPPort
		case "log-level":
			cfg.LogLevel = flagCfg.LogLevel
		case "log-format":
			cfg.LogFormat = flagCfg.LogFormat
		case "ring-timeout":
			cfg.RingTimeout = flagCfg.RingTimeout
		case "ping-interval":
			cfg.PingInterval = flagCfg.PingInterval
		case "ping-timeout":
			cfg.PingTimeout = flagCfg.PingTimeout
		case "no-history":
			cfg.HistoryOff = flagCfg.HistoryOff
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	for _, p := range []struct {
		name string
		val  int
	}{
		{"broker-port", c.BrokerPort},
		{"device-port", c.DevicePort},
		{"http-port", c.HTTPPort},
	} {
		if p.val < 1 || p.val > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.val)
		}
	}

	if c.RingTimeout <= 0 {
		return fmt.Errorf("ring-timeout must be positive, got %s", c.RingTimeout)
	}
	if c.PingInterval <= 0 || c.PingTimeout <= 0 {
		return fmt.Errorf("ping-interval and ping-timeout must be positive")
	}
	if c.PingTimeout <= c.PingInterval {
		return fmt.Errorf("ping-timeout (%s) must exceed ping-interval (%s)", c.PingTimeout, c.PingInterval)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// BrokerAddr returns the broker listen address.
func (c *Config) BrokerAddr() string { return fmt.Sprintf(":%d", c.BrokerPort) }

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

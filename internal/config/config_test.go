package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := load(nil)
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 6060, cfg.BrokerPort)
	assert.Equal(t, 6054, cfg.DevicePort)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, 30*time.Second, cfg.PingTimeout)
	assert.False(t, cfg.HistoryOff)
}

func TestFlagsOverrideEverything(t *testing.T) {
	t.Setenv("TALKWIRE_BROKER_PORT", "7000")

	cfg, err := load([]string{"-broker-port", "7070", "-log-level", "debug", "-ring-timeout", "5s"})
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.BrokerPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.RingTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker_port: 7000\nlog_format: json\n"), 0600))

	t.Setenv("TALKWIRE_BROKER_PORT", "7001")

	cfg, err := load([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.BrokerPort, "env should beat the config file")
	assert.Equal(t, "json", cfg.LogFormat, "file value should apply when env is silent")
}

func TestConfigFileDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ring_timeout: 45s\nping_interval: 2s\nping_timeout: 6s\nhistory_off: true\n"), 0600))

	cfg, err := load([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, 2*time.Second, cfg.PingInterval)
	assert.Equal(t, 6*time.Second, cfg.PingTimeout)
	assert.True(t, cfg.HistoryOff)
}

func TestConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9090\n"), 0600))

	t.Setenv("TALKWIRE_CONFIG", path)

	cfg, err := load(nil)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
}

func TestBadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker_port: [nope\n"), 0600))

	_, err := load([]string{"-config", path})
	require.Error(t, err)

	_, err = load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"bad broker port", []string{"-broker-port", "0"}},
		{"bad http port", []string{"-http-port", "70000"}},
		{"bad log level", []string{"-log-level", "verbose"}},
		{"bad log format", []string{"-log-format", "xml"}},
		{"negative ring timeout", []string{"-ring-timeout", "-1s"}},
		{"ping timeout below interval", []string{"-ping-interval", "10s", "-ping-timeout", "5s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(tc.args)
			assert.Error(t, err)
		})
	}
}

func TestLogLevelNormalised(t *testing.T) {
	cfg, err := load([]string{"-log-level", "WARN", "-log-format", "JSON"})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, RelayLocal, cfg.Relay.Mode)
	assert.Equal(t, 200, cfg.Aggregator.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Capture.HeaderCheckDelay.Duration())
	assert.Equal(t, 1000, cfg.Suggest.FeedbackLimit)
	assert.True(t, cfg.Capture.RedactSecrets)
	assert.True(t, cfg.StackOverflow.Enabled)
	assert.False(t, cfg.GitHub.Token.IsSet())
}

func TestLoadWithFile_YAMLAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8088
relay:
  mode: nats
  url: nats://10.0.0.5:4222
aggregator:
  capacity: 50
capture:
  redact_secrets: false
  header_check_delay: 500ms
github:
  token: ghp_fromfile
`, 0600)

	t.Setenv("FAULTLINE_SERVER_HTTP_PORT", "7777")
	t.Setenv("FAULTLINE_SUGGEST_SOURCE_TIMEOUT", "3s")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port, "env overrides file")
	assert.Equal(t, RelayNATS, cfg.Relay.Mode)
	assert.Equal(t, "nats://10.0.0.5:4222", cfg.Relay.URL)
	assert.Equal(t, 50, cfg.Aggregator.Capacity)
	assert.False(t, cfg.Capture.RedactSecrets)
	assert.Equal(t, 500*time.Millisecond, cfg.Capture.HeaderCheckDelay.Duration())
	assert.Equal(t, 3*time.Second, cfg.Suggest.SourceTimeout.Duration())
	assert.Equal(t, "ghp_fromfile", cfg.GitHub.Token.Value())
	assert.Equal(t, "[REDACTED]", cfg.GitHub.Token.String())
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Aggregator.Capacity)
}

func TestLoadWithFile_RejectsWorldReadable(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8088\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"bad relay mode", func(c *Config) { c.Relay.Mode = "carrier-pigeon" }, "relay mode"},
		{"zero capacity", func(c *Config) { c.Aggregator.Capacity = 0 }, "aggregator capacity"},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "log_format"},
		{"bad otlp protocol", func(c *Config) { c.Observability.OTLPProtocol = "thrift" }, "otlp_protocol"},
		{"store path traversal", func(c *Config) { c.Store.Path = "../../faultline.db" }, "store path"},
		{"bad stackoverflow url", func(c *Config) { c.StackOverflow.BaseURL = "::" }, "stackoverflow base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_NeverPrintsValue(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.NotContains(t, s.GoString(), "hunter2")

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(b))
	assert.Equal(t, "", Secret("").String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

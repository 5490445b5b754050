package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowrite/cowrite/internal/privilege"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(FileEnv, "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "local", cfg.StorageBackend)
	assert.Equal(t, privilege.ReadWrite, cfg.Privilege())
	assert.Equal(t, 10*time.Second, cfg.LoadTimeout)
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowrite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":7000"
log_level: debug
storage_backend: s3
s3:
  bucket: docs
  endpoint: http://minio:9000
load_timeout: 3s
default_privilege: read
dial:
  max_attempts: 2
  initial_wait: 50ms
`), 0644))
	t.Setenv(FileEnv, path)
	t.Setenv("COWRITE_LISTEN_ADDR", ":7001")
	t.Setenv("COWRITE_QUEUE_SIZE", "32")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "docs", cfg.S3.Bucket)
	assert.Equal(t, 3*time.Second, cfg.LoadTimeout)
	assert.Equal(t, 32, cfg.QueueSize)
	assert.Equal(t, privilege.ReadOnly, cfg.Privilege())
	assert.Equal(t, 2, cfg.Dial.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Dial.InitialWait)
	assert.Equal(t, 2.0, cfg.Dial.Multiplier)

	typ, raw, err := cfg.Backend()
	require.NoError(t, err)
	assert.Equal(t, "s3", typ)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "docs", decoded["bucket"])
	assert.Equal(t, "http://minio:9000", decoded["endpoint"])
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad backend", func(c *Config) { c.StorageBackend = "ftp" }},
		{"bad privilege", func(c *Config) { c.DefaultPrivilege = "admin" }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
		{"no root", func(c *Config) { c.Local.RootPath = "" }},
		{"no bucket", func(c *Config) { c.StorageBackend = "s3"; c.S3.Bucket = "" }},
		{"bad server url", func(c *Config) { c.ServerURL = "not a url" }},
		{"bad dial multiplier", func(c *Config) { c.Dial.Multiplier = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("COWRITE_TEST_INT", "nope")
	t.Setenv("COWRITE_TEST_DUR", "5m")
	assert.Equal(t, 7, envInt("COWRITE_TEST_INT", 7))
	assert.Equal(t, 5*time.Minute, envDuration("COWRITE_TEST_DUR", time.Second))
	assert.True(t, envBool("COWRITE_TEST_UNSET", true))
}

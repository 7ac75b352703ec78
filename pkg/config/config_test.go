package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convene.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	data := strings.Repeat("x: value\n", 200000) // ~1.6MB
	_, err := LoadConfig(writeConfig(t, data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":7000"
  api_keys:
    - name: ops
      key: ops-key-0123456789
sessions:
  default_ttl: 10m
  max_wait: 2m
  default_wait: 30s
store:
  type: redis
  redis:
    addr: redis:6379
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:7000", cfg.Server.PublicURL)
	assert.Equal(t, "admin", cfg.Server.APIKeys[0].Role)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.Sessions.DefaultWait)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	// Untouched sections keep their defaults.
	assert.Equal(t, "convene:record:", cfg.Store.Redis.Prefix)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Sessions.DefaultWait)
	assert.Equal(t, "memory", cfg.Store.Type)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CONVENE_ADDR", ":9999")
	t.Setenv("CONVENE_PUBLIC_URL", "https://convene.example.com/")
	t.Setenv("CONVENE_API_KEY", "from-env")
	t.Setenv("CONVENE_MAX_SESSIONS", "7")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "https://convene.example.com", cfg.Server.PublicURL)
	assert.Equal(t, 7, cfg.Sessions.MaxSessions)
	require.Len(t, cfg.Server.APIKeys, 1)
	assert.Equal(t, "from-env", cfg.Server.APIKeys[0].Key)
}

func TestLoadConfig_BadEnv(t *testing.T) {
	t.Setenv("CONVENE_MAX_SESSIONS", "many")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server:\n  addr: [[[\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: "unknown store type",
		},
		{
			name:    "wait above max",
			mutate:  func(c *Config) { c.Sessions.DefaultWait = time.Hour },
			wantErr: "default_wait",
		},
		{
			name:    "bad role",
			mutate:  func(c *Config) { c.Server.APIKeys = []APIKey{{Key: "k", Role: "root"}} },
			wantErr: "unknown role",
		},
		{
			name:    "short api key",
			mutate:  func(c *Config) { c.Server.APIKeys = []APIKey{{Key: "secret-key", Role: "admin"}} },
			wantErr: "api_keys[0]: key must be at least 16 characters",
		},
		{
			name:    "api key with whitespace",
			mutate:  func(c *Config) { c.Server.APIKeys = []APIKey{{Key: "0123456789abcdef ghi", Role: "admin"}} },
			wantErr: "api_keys[0]",
		},
		{
			name:   "valid api keys",
			mutate: func(c *Config) { c.Server.APIKeys = []APIKey{{Key: "0123456789abcdef", Role: "readonly"}} },
		},
		{
			name:    "relative public url",
			mutate:  func(c *Config) { c.Server.PublicURL = "/agents" },
			wantErr: "public_url",
		},
		{
			name:    "unknown launcher",
			mutate:  func(c *Config) { c.Launcher.Type = "docker" },
			wantErr: "unknown launcher",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.applyDefaults()
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

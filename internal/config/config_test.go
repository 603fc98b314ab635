package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Array.LoginRetries)
	assert.Equal(t, 2*time.Second, cfg.Array.LoginBackoff)
	assert.Equal(t, 200, cfg.Array.PageSize)
	assert.Equal(t, 100000, cfg.Array.OffsetCeiling)
	assert.Equal(t, "openshift-monitoring", cfg.Prometheus.Namespace)
	assert.NotEmpty(t, cfg.Array.SessionCacheDir)
	assert.NotEmpty(t, cfg.Report.Dir)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ARRAY_PAGE_SIZE", "100")
	t.Setenv("ARRAY_URL", "https://powerstore.example.com")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Array.PageSize)
	assert.Equal(t, "https://powerstore.example.com", cfg.Array.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

// Keys with no meaningful default (credentials, file paths) must still
// bind from the environment.
func TestLoad_EnvOnlyKeys(t *testing.T) {
	t.Setenv("ARRAY_USER", "janitor")
	t.Setenv("ARRAY_PASSWORD", "s3cret")
	t.Setenv("CLUSTER_KUBECONFIG", "/etc/storjanitor/kubeconfig")
	t.Setenv("PROMETHEUS_TOKEN_FILE", "/var/run/token")
	t.Setenv("MPATH_SSH_KEY_FILE", "/root/.ssh/id_core")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "janitor", cfg.Array.User)
	assert.Equal(t, "s3cret", cfg.Array.Password)
	assert.Equal(t, "/etc/storjanitor/kubeconfig", cfg.Cluster.Kubeconfig)
	assert.Equal(t, "/var/run/token", cfg.Prometheus.TokenFile)
	assert.Equal(t, "/root/.ssh/id_core", cfg.Mpath.SSHKeyFile)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Array: ArrayConfig{
				PageSize:      200,
				OffsetCeiling: 100000,
				LoginRetries:  10,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero page size", func(c *Config) { c.Array.PageSize = 0 }, true},
		{"zero offset ceiling", func(c *Config) { c.Array.OffsetCeiling = 0 }, true},
		{"zero login retries", func(c *Config) { c.Array.LoginRetries = 0 }, true},
		{"ceiling below one page", func(c *Config) { c.Array.OffsetCeiling = 100; c.Array.PageSize = 200 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

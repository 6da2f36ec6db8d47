package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/reach/internal/domain"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	_, cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.RefreshBuffer)
	assert.Equal(t, 24*time.Hour, cfg.Session.Timeout)
	assert.False(t, cfg.Session.LogoutOnInactivity)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, domain.DefaultRetryConfig.MaxRetries, cfg.RetryConfig().MaxRetries)
	assert.Equal(t, filepath.Join(cfg.DataDir, "tokens.json"), cfg.StoragePath())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reach.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[api]
base_url = "https://api.example.com"

[session]
refresh_buffer = "2m"
timeout = "7d"
logout_on_inactivity = true

[storage]
backend = "sqlite"
`), 0600))
	t.Setenv("REACH_API_BASE_URL", "https://staging.example.com")
	t.Setenv("REACH_CACHE_TTL", "1m")

	_, cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://staging.example.com", cfg.API.BaseURL, "env overrides file")
	assert.Equal(t, 2*time.Minute, cfg.Session.RefreshBuffer)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.Timeout)
	assert.True(t, cfg.Session.LogoutOnInactivity)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, filepath.Join(cfg.DataDir, "reach.db"), cfg.StoragePath())

	sc := cfg.SessionConfig()
	assert.Equal(t, 2*time.Minute, sc.RefreshBuffer)
	assert.True(t, sc.LogoutOnInactivity)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"bad backend", "[storage]\nbackend = \"etcd\"\n"},
		{"redis without url", "[storage]\nbackend = \"redis\"\n"},
		{"bad base url", "[api]\nbase_url = \"not a url\"\n"},
		{"max below initial", "[polling]\ninitial_interval = \"1m\"\nmax_interval = \"10s\"\n"},
		{"bad log level", "[logging]\nlevel = \"loud\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "reach.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.toml), 0600))

			_, _, err := LoadConfig(path)
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		})
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "reach.toml")

	require.NoError(t, WriteDefaultConfig(path, false))
	assert.Error(t, WriteDefaultConfig(path, false), "existing file is kept")
	require.NoError(t, WriteDefaultConfig(path, true))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// The written file loads back to the same settings.
	_, cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Session.RefreshBuffer)
	assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
}

func TestConfigureViper_ExplicitPath(t *testing.T) {
	v := viper.New()
	ConfigureViper(v, "/tmp/custom.toml")
	assert.Equal(t, "/tmp/custom.toml", v.ConfigFileUsed())
}

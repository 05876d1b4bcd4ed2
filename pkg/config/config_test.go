package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("databaseURL: postgres://localhost/spprobe\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3600, cfg.DealIntervalSeconds)
	assert.Equal(t, 6, cfg.IPFSBlockFetchConcurrency)
	assert.Equal(t, 10, cfg.PoolMax)
	assert.Contains(t, cfg.SizeClasses, int64(0))
	assert.Contains(t, cfg.SizeClasses, int64(1<<20))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SPPROBE_DATABASE_URL", "postgres://override/db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://override/db", cfg.DatabaseURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing database url",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: "databaseURL",
		},
		{
			name:    "bad maintenance window",
			mutate:  func(c *Config) { c.MaintenanceWindowsUTC = []string{"25:99"} },
			wantErr: "maintenance window",
		},
		{
			name:    "negative size class",
			mutate:  func(c *Config) { c.SizeClasses = []int64{-1} },
			wantErr: "size class",
		},
		{
			name:   "valid windows across midnight",
			mutate: func(c *Config) { c.MaintenanceWindowsUTC = []string{"23:45", "02:00"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DatabaseURL: "postgres://localhost/spprobe"}
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

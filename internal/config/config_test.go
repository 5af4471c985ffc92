package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFromDir(t *testing.T, yaml string) *Config {
	t.Helper()
	dir := t.TempDir()
	if yaml != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	}
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromDir(t, "")

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "data/warehouse/steam_reviews.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2.0, cfg.Merge.TrailingWindowDays)
	assert.Equal(t, 365.0, cfg.Decay.AgeCapDays)
	assert.Equal(t, 4, cfg.Decay.Workers)
	assert.Equal(t, 500, cfg.Ingest.BatchSize)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, 0.05, cfg.Decay.HalfLife.Short.Fraction)
	assert.Equal(t, 7.0, cfg.Decay.HalfLife.Short.MinDays)
	assert.Equal(t, 30.0, cfg.Decay.HalfLife.Short.MaxDays)
	assert.Equal(t, 0.20, cfg.Decay.HalfLife.Long.Fraction)
	assert.Equal(t, 30.0, cfg.Decay.HalfLife.Long.MinDays)
	assert.Equal(t, 180.0, cfg.Decay.HalfLife.Long.MaxDays)
	assert.Equal(t, 0.10, cfg.Decay.HalfLife.Pos.Fraction)
	assert.Equal(t, 30.0, cfg.Decay.HalfLife.Pos.MinDays)
	assert.Equal(t, 120.0, cfg.Decay.HalfLife.Pos.MaxDays)
}

func TestLoad_FileOverrides(t *testing.T) {
	cfg := loadFromDir(t, `
store:
  driver: postgres
  database_url: postgres://localhost/reviews
merge:
  trailing_window_days: 5
decay:
  half_life:
    short:
      fraction: 0.08
`)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/reviews", cfg.Store.DatabaseURL)
	assert.Equal(t, 5.0, cfg.Merge.TrailingWindowDays)
	assert.Equal(t, 0.08, cfg.Decay.HalfLife.Short.Fraction)
	// Untouched keys keep their defaults.
	assert.Equal(t, 7.0, cfg.Decay.HalfLife.Short.MinDays)
	assert.Equal(t, 180.0, cfg.Decay.HalfLife.Long.MaxDays)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STEAM_STORE_DRIVER", "postgres")
	t.Setenv("STEAM_MERGE_TRAILING_WINDOW_DAYS", "3")

	cfg := loadFromDir(t, "")
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 3.0, cfg.Merge.TrailingWindowDays)
}

func TestDecayConfig_Params(t *testing.T) {
	cfg := loadFromDir(t, "")
	p := cfg.Decay.Params()

	assert.Equal(t, 365.0, p.AgeCapDays)
	assert.Equal(t, 0.05, p.Short.Fraction)
	assert.Equal(t, 0.20, p.Long.Fraction)
	assert.Equal(t, 0.10, p.Pos.Fraction)
}

package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	resetViper(t)
	SetDefaults()
	viper.Set("dir", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSizeBytes, cfg.MaxSizeBytes)
	assert.Equal(t, DefaultHardLinks, cfg.HardLinks)
	assert.Equal(t, AccuracyDefault, cfg.AccuracyMode)
}

func TestLoadRejectsUnknownAccuracyMode(t *testing.T) {
	resetViper(t)
	SetDefaults()
	viper.Set("dir", t.TempDir())
	viper.Set("accuracy", "BOGUS")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	resetViper(t)
	SetDefaults()
	dir := t.TempDir()
	viper.Set("dir", dir)
	viper.Set("max_size_bytes", int64(1024))
	viper.Set("hard_links", false)
	viper.Set("remote", "redis://localhost:6379")
	viper.Set("accuracy", "STRICT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, int64(1024), cfg.MaxSizeBytes)
	assert.False(t, cfg.HardLinks)
	assert.Equal(t, "redis://localhost:6379", cfg.RemoteEndpoint)
	assert.Equal(t, AccuracyStrict, cfg.AccuracyMode)
}

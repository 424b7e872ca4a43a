// Package config loads the environment/config inputs consumed by the
// core (spec §6): maximum local size, hard-link enable flag,
// compress-on-store flag, remote endpoint, terminate-on-miss flag, and
// wrapper accuracy mode. Grounded on the cobra/viper loading idiom in
// Norgate-AV/spc's internal/config package.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccuracyMode governs wrapper-side preprocessing policy for stripping
// volatile information before hashing (spec §6).
type AccuracyMode string

const (
	AccuracyDefault AccuracyMode = "DEFAULT"
	AccuracyStrict  AccuracyMode = "STRICT"
)

func parseAccuracyMode(s string) (AccuracyMode, error) {
	switch AccuracyMode(s) {
	case "", AccuracyDefault:
		return AccuracyDefault, nil
	case AccuracyStrict:
		return AccuracyStrict, nil
	default:
		return "", fmt.Errorf("config: unknown accuracy mode %q", s)
	}
}

// Default configuration values, applied when neither a flag, an
// environment variable, nor a config file sets the corresponding key.
const (
	DefaultMaxSizeBytes    = int64(5 << 30) // 5 GiB
	DefaultHardLinks       = true
	DefaultCompressOnStore = false
	DefaultTerminateOnMiss = false
)

// Config carries every environment/config input the core consumes.
type Config struct {
	// Dir is the local store's root directory.
	Dir string
	// MaxSizeBytes bounds the local store's total on-disk size.
	MaxSizeBytes int64
	// HardLinks enables hard-linking cached artifacts instead of
	// copying them, when the wrapper declares CapHardLinks.
	HardLinks bool
	// CompressOnStore stores new artifacts zstd-compressed.
	CompressOnStore bool
	// RemoteEndpoint is a "scheme://host_description" address, or
	// empty when no remote is configured.
	RemoteEndpoint string
	// TerminateOnMiss, when set, makes a cache miss print the expected
	// output paths and exit zero instead of running the tool.
	TerminateOnMiss bool
	// AccuracyMode is passed through to wrappers building
	// preprocess_source.
	AccuracyMode AccuracyMode
	// LogLevel is the corelog level name: debug, info, warn, or error.
	LogLevel string
}

// Load reads Config from viper, which cmd/corecache has already
// populated from flags, BUILDCACHE_*-prefixed environment variables,
// and an optional cache.conf/.yaml file (see SetDefaults and
// ReadConfigFile; the flags are bound in cmd/corecache).
func Load() (Config, error) {
	accuracy, err := parseAccuracyMode(viper.GetString("accuracy"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Dir:             viper.GetString("dir"),
		MaxSizeBytes:    viper.GetInt64("max_size_bytes"),
		HardLinks:       viper.GetBool("hard_links"),
		CompressOnStore: viper.GetBool("compress"),
		RemoteEndpoint:  viper.GetString("remote"),
		TerminateOnMiss: viper.GetBool("terminate_on_miss"),
		AccuracyMode:    accuracy,
		LogLevel:        viper.GetString("log_level"),
	}

	if cfg.Dir == "" {
		dir, err := defaultCacheDir()
		if err != nil {
			return Config{}, err
		}
		cfg.Dir = dir
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}

	return cfg, nil
}

func defaultCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".buildcache"), nil
}

// SetDefaults registers viper's defaults for every key Load reads. Call
// once before ReadConfigFile/Load.
func SetDefaults() {
	viper.SetDefault("max_size_bytes", DefaultMaxSizeBytes)
	viper.SetDefault("hard_links", DefaultHardLinks)
	viper.SetDefault("compress", DefaultCompressOnStore)
	viper.SetDefault("terminate_on_miss", DefaultTerminateOnMiss)
	viper.SetDefault("accuracy", string(AccuracyDefault))
	viper.SetDefault("log_level", "info")
}

// ReadConfigFile looks for cache.conf/.yaml/.yml/.json in dir (the
// configured cache directory, spec §6's "human-readable config
// snapshot") and merges it into viper if present. A missing file is not
// an error.
func ReadConfigFile(dir string) error {
	for _, name := range []string{"cache.conf", "cache.yaml", "cache.yml", "cache.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		viper.SetConfigFile(path)
		if err := viper.MergeInConfig(); err != nil {
			return fmt.Errorf("config: reading %s: %w", path, err)
		}
		return nil
	}
	return nil
}

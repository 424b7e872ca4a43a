// Package main is the corecache CLI entry point: a cobra command tree
// wrapping the driver state machine, grounded on the cobra/viper root
// command idiom in Norgate-AV/spc's cmd/root.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildcache/corecache/internal/config"
)

var rootCmd = &cobra.Command{
	Use:          "corecache",
	Short:        "A content-addressed build tool cache",
	Long:         "corecache wraps a compiler or other deterministic build tool and caches its output by a fingerprint of its inputs.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "local cache directory (default: ~/.buildcache)")
	rootCmd.PersistentFlags().Int64("max-size", 0, "maximum local cache size in bytes")
	rootCmd.PersistentFlags().Bool("hard-links", true, "hard-link cached artifacts instead of copying when safe")
	rootCmd.PersistentFlags().Bool("compress", false, "store artifacts zstd-compressed")
	rootCmd.PersistentFlags().String("remote", "", "remote cache address, e.g. redis://host:6379")
	rootCmd.PersistentFlags().Bool("terminate-on-miss", false, "on a miss, print expected outputs and exit instead of running the tool")
	rootCmd.PersistentFlags().String("accuracy", "DEFAULT", "wrapper accuracy mode: DEFAULT or STRICT")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")

	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("max_size_bytes", rootCmd.PersistentFlags().Lookup("max-size"))
	_ = viper.BindPFlag("hard_links", rootCmd.PersistentFlags().Lookup("hard-links"))
	_ = viper.BindPFlag("compress", rootCmd.PersistentFlags().Lookup("compress"))
	_ = viper.BindPFlag("remote", rootCmd.PersistentFlags().Lookup("remote"))
	_ = viper.BindPFlag("terminate_on_miss", rootCmd.PersistentFlags().Lookup("terminate-on-miss"))
	_ = viper.BindPFlag("accuracy", rootCmd.PersistentFlags().Lookup("accuracy"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("BUILDCACHE")
	viper.AutomaticEnv()

	config.SetDefaults()

	rootCmd.AddCommand(runCmd, statsCmd, clearCmd)
}

// loadConfig reads the cache.conf/.yaml snapshot from the resolved
// cache dir (if any) and returns the merged Config.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := config.ReadConfigFile(cfg.Dir); err != nil {
		return config.Config{}, err
	}
	return config.Load()
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildcache/corecache/internal/corelog"
	"github.com/buildcache/corecache/internal/localstore"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show local cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().Bool("reset", false, "zero the cumulative hit/miss/insert counters (local_cache_t::zero_stats)")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := corelog.Default(cfg.LogLevel)

	local, err := localstore.Open(cfg.Dir, cfg.MaxSizeBytes, localstore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("corecache: opening local store: %w", err)
	}
	defer local.Close()

	if reset, _ := cmd.Flags().GetBool("reset"); reset {
		if err := local.ResetStats(); err != nil {
			return fmt.Errorf("corecache: resetting stats: %w", err)
		}
		fmt.Println("cache statistics reset")
		return nil
	}

	stats, err := local.Stats()
	if err != nil {
		return fmt.Errorf("corecache: reading stats: %w", err)
	}
	delta, err := local.CumulativeStats()
	if err != nil {
		return fmt.Errorf("corecache: reading cumulative stats: %w", err)
	}

	fmt.Printf("entries:      %d\n", stats.EntryCount)
	fmt.Printf("size:         %d bytes\n", stats.TotalBytes)
	fmt.Printf("max size:     %d bytes\n", cfg.MaxSizeBytes)
	fmt.Printf("cache dir:    %s\n", cfg.Dir)
	fmt.Printf("hits:         %d\n", delta.Hits)
	fmt.Printf("misses:       %d\n", delta.Misses)
	fmt.Printf("inserts:      %d\n", delta.Inserts)
	return nil
}

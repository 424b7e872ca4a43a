package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildcache/corecache/internal/corelog"
	"github.com/buildcache/corecache/internal/localstore"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry from the local cache",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func runClear(cmd *cobra.Command, args []string) error {
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

	if err := local.Clear(); err != nil {
		return fmt.Errorf("corecache: clearing local store: %w", err)
	}
	fmt.Println("cache cleared")
	return nil
}

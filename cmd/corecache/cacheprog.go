package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/buildcache/corecache/internal/cacheprogserver"
	"github.com/buildcache/corecache/internal/cacheproto"
	"github.com/buildcache/corecache/internal/corelog"
	"github.com/buildcache/corecache/internal/localstore"
	"github.com/buildcache/corecache/internal/remotestore"
	_ "github.com/buildcache/corecache/internal/remotestore/cacheprogbackend"
	_ "github.com/buildcache/corecache/internal/remotestore/httpbackend"
	_ "github.com/buildcache/corecache/internal/remotestore/redisbackend"
)

var cacheprogCmd = &cobra.Command{
	Use:   "cacheprog",
	Short: "Speak the GOCACHEPROG protocol on stdin/stdout, serving the local/remote cache",
	Args:  cobra.NoArgs,
	RunE:  runCacheprog,
}

func init() {
	rootCmd.AddCommand(cacheprogCmd)
}

func runCacheprog(cmd *cobra.Command, args []string) error {
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

	remote := remotestore.New(logger)
	if cfg.RemoteEndpoint != "" {
		if err := remote.Connect(context.Background(), cfg.RemoteEndpoint); err != nil {
			logger.Warn().Err(err).Msg("remote cache unavailable, continuing with local cache only")
		}
	}

	spillDir := filepath.Join(cfg.Dir, "cacheprog-spill")
	handler := cacheprogserver.New(local, remote, spillDir, logger)
	return cacheproto.NewServer(os.Stdin, os.Stdout, handler).Serve()
}

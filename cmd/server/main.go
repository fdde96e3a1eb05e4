// casepay - case lifecycle and escrow settlement service
package main

import (
	"context"
	"os"

	"github.com/lexbridge/casepay/internal/config"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	logger.Info("starting casepay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"fee_rate", cfg.PlatformFeeRate.String(),
		"archive_retention", cfg.ArchiveRetention.String(),
		"purge_interval", cfg.PurgeInterval.String(),
	)

	server.Version = Version

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// Streetmarket - chat-commerce storefront over a messaging platform
package main

import (
	"context"
	"os"

	"github.com/rvasily/streetmarket/internal/config"
	"github.com/rvasily/streetmarket/internal/logging"
	"github.com/rvasily/streetmarket/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting streetmarket",
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

	logger = logging.New(cfg.LogLevel, "text")
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"basket_timeout", cfg.BasketTimeout.String(),
		"verify_ipn", cfg.VerifyIPN,
	)

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

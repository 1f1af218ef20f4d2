// escrowd - escrow settlement engine for UPI collections and payouts
package main

import (
	"context"
	"os"

	"github.com/paynest/escrowd/internal/config"
	"github.com/paynest/escrowd/internal/logging"
	"github.com/paynest/escrowd/internal/server"
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

	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"sandbox_gateway", cfg.UseSandboxGateway(),
		"gateway_url", cfg.GatewayBaseURL,
		"holding_account", cfg.HoldingAccount,
		"reconcile_interval", cfg.ReconcileInterval,
		"database", cfg.DatabaseURL != "",
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

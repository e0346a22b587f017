// Consignguard - abuse mitigation and rate limiting for the consignment storefront
package main

import (
	"context"
	"errors"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/consignguard/internal/abuse"
	"github.com/mbd888/consignguard/internal/config"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/server"
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

	logger.Info("starting consignguard",
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
		"shared_ledger", cfg.RedisURL != "",
		"persistent_bans", cfg.DatabaseURL != "",
		"policy_file", cfg.PolicyFile,
	)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		var cfgErr *abuse.ConfigError
		if errors.As(err, &cfgErr) {
			logger.Error("invalid abuse policy table", "action", cfgErr.Action, "error", err)
		} else {
			logger.Error("failed to create server", "error", err)
		}
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

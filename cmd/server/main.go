// Command server runs the fraud detection API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/graminpay/sentinel/internal/config"
	"github.com/graminpay/sentinel/internal/logging"
	"github.com/graminpay/sentinel/internal/server"
	"github.com/graminpay/sentinel/internal/traces"
)

// Build info, set via ldflags:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, "json")
	logger.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init traces: %w", err)
	}
	defer func() {
		if err := shutdownTraces(ctx); err != nil {
			logger.Warn("trace shutdown error", "error", err)
		}
	}()

	server.Version = Version
	server.Commit = Commit

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	return srv.Run(ctx)
}

// Command server runs the Roborio HTTP API: wallet sign-in, the waitlist,
// the escrow read API and its live update stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/roborio/roborio/internal/config"
	"github.com/roborio/roborio/internal/logging"
	"github.com/roborio/roborio/internal/server"
)

// Set by ldflags.
var (
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("roborio %s (%s, built %s)\n", server.Version, Commit, BuildTime)
		return
	}

	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "roborio:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting roborio",
		"version", server.Version,
		"commit", Commit,
		"env", cfg.Env,
		"network", cfg.SolanaNetwork,
		"program_id", cfg.EscrowProgramID,
	)
	if cfg.IsProduction() && cfg.JWTJWK == "" && cfg.JWTPrivateKeyPEM == "" {
		logger.Warn("neither JWT_JWK nor JWT_PRIVATE_KEY_PEM is set; wallet sign-in will answer 500")
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}

// Command copytrader mirrors one leader broker account's order activity
// into a follower account in near-real-time. One binary, one command:
// it loads configuration, builds the composition root, starts the
// pipeline, and blocks until SIGINT/SIGTERM.
//
// Grounded on cmd/polybot/main.go's shape (zerolog console writer,
// godotenv, config.Load, signal-driven graceful shutdown) generalized
// from the teacher's single trading engine to this pipeline's five
// long-running components, all owned by one Orchestrator.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/core"
	"github.com/web3guy0/polybot/internal/config"
	"github.com/web3guy0/polybot/internal/health"
)

const (
	exitOK            = 0
	exitSetupFailure  = 1
	exitStreamExhaust = 2

	drainDeadline = 30 * time.Second
)

func main() {
	os.Exit(run())
}

// run does all the work and returns the process exit code, so shutdown
// is always graceful: no log.Fatal mid-startup after tasks are running.
func run() int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using environment variables as-is")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return exitSetupFailure
	}
	if level, parseErr := zerolog.ParseLevel(cfg.LogLevel); parseErr == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Str("environment", cfg.Environment).Bool("dry_run", cfg.DryRun).Msg("copytrader starting")

	orch, err := core.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to build orchestrator")
		return exitSetupFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start orchestrator")
		return exitSetupFailure
	}

	healthSrv := health.NewServer(orch, cfg.HealthPort, cfg.HeartbeatTimeout*2)
	healthSrv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case <-quit:
		log.Info().Msg("shutdown signal received, draining replication pipeline")
	case <-orch.StreamExhausted():
		log.Error().Msg("leader stream exhausted its reconnect attempts, shutting down")
		exitCode = exitStreamExhaust
	}

	cancel()
	orch.Stop(drainDeadline)

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer healthCancel()
	healthSrv.Stop(healthCtx)

	log.Info().Msg("copytrader stopped")
	return exitCode
}

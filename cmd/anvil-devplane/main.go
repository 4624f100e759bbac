// Command anvil-devplane serves a local control plane that simulates GPU
// jobs, for developing against the anvil client without cloud access.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/fakeplane"
	"github.com/seantiz/anvil/internal/store"
)

func main() {
	cfg := config.LoadDevPlane()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("anvil-devplane: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"auth", cfg.APIKey != "",
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	sim := fakeplane.NewSimulator(db, logger, fakeplane.SimulatorOptions{
		StartDelay:  cfg.StartDelay,
		LogInterval: cfg.LogInterval,
	})
	n, err := sim.Reconcile(context.Background())
	if err != nil {
		log.Fatalf("failed to reconcile jobs: %v", err)
	}
	if n > 0 {
		logger.Warn("closed jobs left over from a previous run", "count", n)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := fakeplane.NewServer(cfg.ListenAddr, db, sim, logger, fakeplane.WithAPIKey(cfg.APIKey))
	if err := srv.Serve(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

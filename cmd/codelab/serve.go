package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/catalog"
	"github.com/michaelbrown/codelab/internal/config"
	"github.com/michaelbrown/codelab/internal/exec"
	"github.com/michaelbrown/codelab/internal/sandbox"
	"github.com/michaelbrown/codelab/internal/server"
	"github.com/michaelbrown/codelab/internal/session"
	"github.com/michaelbrown/codelab/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution service",
	Long: `Start the Codelab HTTP server with the REST API and WebSocket
execution-output channel.

Examples:
  codelab serve
  codelab serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	cat := catalog.New(cfg.Catalog.Dir)

	policy := sandbox.Policy{
		MaxMemory:      cfg.Sandbox.MaxMemory,
		WallClockLimit: cfg.Sandbox.WallClockLimit,
		GracePeriod:    cfg.Sandbox.GracePeriod,
		Network:        cfg.Sandbox.Network,
		Images:         cfg.Sandbox.Images,
		Command:        cfg.Sandbox.Command,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}

	var factory sandbox.Factory
	switch cfg.Sandbox.Runtime {
	case "docker":
		factory = func() sandbox.Worker { return sandbox.NewDockerWorker(policy, cfg.Sandbox.Image) }
	default:
		factory = func() sandbox.Worker { return sandbox.NewProcessWorker(policy) }
	}
	pool := sandbox.NewPool(cfg.Pool.Size, factory)
	defer pool.Close()

	orchestrator := exec.New(store, pool, exec.Config{
		Policy:           policy,
		AdmissionTimeout: cfg.Pool.AdmissionTimeout,
	}, logger.Named("exec"))

	sessions := session.NewManager(store, cat, cfg.Session.TTL, cfg.Session.SweepInterval, logger.Named("session"))
	sessions.StartSweeper()
	defer sessions.Stop()

	logger.Info("sandbox runtime", zap.String("runtime", cfg.Sandbox.Runtime), zap.Int("pool_size", cfg.Pool.Size))

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, sessions, orchestrator, logger.Named("http"))

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		orchestrator.Shutdown(ctx)
	}()

	return srv.Start(port)
}

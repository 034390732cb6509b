package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fentz26/signet/internal/audit"
	"github.com/fentz26/signet/internal/controlplane"
	"github.com/fentz26/signet/internal/runner"
	"github.com/fentz26/signet/internal/scheduler"
	"github.com/fentz26/signet/internal/solver/aiclient"
	"github.com/fentz26/signet/internal/store"
	"github.com/fentz26/signet/internal/transport/signercli"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
	configPath string
	signerBin  string
	sessionDir string
	aiBaseURL  string
	aiModel    string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Signet daemon",
	Long:  `Starts the Signet daemon which schedules sign tasks and provides the HTTP API the dashboard talks to.`,
	RunE:  runDaemon,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".signet")

	daemonCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7490", "Listen address for the API server")
	daemonCmd.Flags().StringVar(&dbPath, "db", filepath.Join(base, "signet.db"), "Path to SQLite database")
	daemonCmd.Flags().StringVar(&configPath, "config", filepath.Join(base, "config.yaml"), "Path to scheduler config")
	daemonCmd.Flags().StringVar(&signerBin, "signer", "tg-signer", "Signer CLI binary for transport calls")
	daemonCmd.Flags().StringVar(&sessionDir, "session-dir", filepath.Join(base, "sessions"), "Directory holding account session files")
	daemonCmd.Flags().StringVar(&aiBaseURL, "ai-base-url", "", "OpenAI-compatible base URL for the challenge solver")
	daemonCmd.Flags().StringVar(&aiModel, "ai-model", "gpt-4o-mini", "Model name for the challenge solver")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Signet daemon...")

	cfg, err := scheduler.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Initialize store
	s, err := store.New(dbPath)
	if err != nil {
		return err
	}

	// Initialize components
	aw := audit.NewWriter(s)
	dialer := signercli.NewDialer(signerBin, sessionDir)
	sv := aiclient.New(os.Getenv("SIGNET_AI_KEY"), aiBaseURL, aiModel)

	run := runner.New(s, dialer, sv, aw)
	run.DefaultIntervalSec = cfg.DefaultIntervalSec

	sched := scheduler.New(s, run, aw, cfg)

	// Create service and server
	hub := controlplane.NewHub()
	run.SetNotifier(hub)
	service := controlplane.NewService(s, sched, run, aw)
	server := controlplane.NewServer(service, hub, listenAddr)

	if err := sched.Start(); err != nil {
		s.Close()
		return err
	}
	defer sched.Stop()

	// Prune old run history at boot and every six hours after.
	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	defer pruneCancel()
	go pruneLoop(pruneCtx, s, cfg.RetentionDays)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// pruneLoop trims run history past the retention window.
func pruneLoop(ctx context.Context, s *store.Store, retentionDays int) {
	prune := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		n, err := s.PruneRuns(cutoff)
		if err != nil {
			log.Printf("Prune runs: %v", err)
			return
		}
		if n > 0 {
			log.Printf("Pruned %d runs older than %d days", n, retentionDays)
		}
	}

	prune()
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

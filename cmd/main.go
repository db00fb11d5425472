package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bulkflow/internal/app"
	"bulkflow/internal/config"
	"bulkflow/internal/domain"
	"bulkflow/internal/logger"
	"bulkflow/internal/task"
)

var (
	configFile string
	ownerID    string
)

var rootCmd = &cobra.Command{
	Use:   "bulkflow",
	Short: "Bulk CSV import and export with resumable uploads",
	Long: `A bulk data engine that lands files through resumable chunked uploads,
streams them through bounded parse and validate stages and commits records
in segmented transactions with compensation and retry.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default is none)")
	pf.StringVar(&ownerID, "owner", "cli", "Owner ID recorded on tasks and uploads")

	// Storage flags
	pf.String("storage-driver", "minio", "Blob store driver (minio/memory)")
	pf.String("endpoint", "", "MinIO endpoint")
	pf.String("access-key", "", "MinIO access key")
	pf.String("secret-key", "", "MinIO secret key")
	pf.Bool("secure", false, "Use HTTPS for the blob store")
	pf.String("bucket", "bulkflow", "Bucket holding uploads, exports and error files")

	// State flags
	pf.String("db", "./bulkflow.db", "Task database file")
	pf.String("redis-addr", "", "Redis address for shared rate-limit windows")

	// Admission flags
	pf.Int("max-per-user", 2, "Concurrent tasks per owner and kind")
	pf.Int("max-system", 10, "Concurrent tasks per kind across owners")

	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.String("log-level", "info", "Log level (debug/info/warn/error)")

	rootCmd.AddCommand(importCmd(), exportCmd(), tasksCmd(), cancelCmd(), uploadStatusCmd(), reapCmd())
}

// session holds what every command needs once configuration is loaded
type session struct {
	cfg    *config.Config
	log    *zap.Logger
	engine *app.Engine
}

func openSession(cmd *cobra.Command) (*session, error) {
	// Load configuration
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Create engine
	engine, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return &session{cfg: cfg, log: log, engine: engine}, nil
}

func (s *session) close() {
	if err := s.engine.Close(); err != nil {
		s.log.Error("Error closing engine", zap.Error(err))
	}
	s.log.Sync()
}

// watchSignals cancels this owner's running tasks on the first SIGINT or
// SIGTERM so they stop at a record boundary, and cancels ctx on the second.
func (s *session) watchSignals(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		s.log.Info("Received shutdown signal, gracefully stopping...")
		s.cancelActive()

		select {
		case <-sigChan:
			s.log.Warn("Received second signal, aborting")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func (s *session) cancelActive() {
	ctx := context.Background()
	reg := s.engine.Registry()
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusProcessing} {
		page, err := reg.List(ctx, task.Filter{OwnerID: ownerID, Status: status}, 1, 100)
		if err != nil {
			s.log.Error("Failed to list active tasks", zap.Error(err))
			return
		}
		for _, t := range page.Items {
			if err := reg.Cancel(ctx, t.ID); err != nil {
				s.log.Warn("Failed to cancel task", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Package cli provides common initialization shared by cmd/finsync and
// cmd/finsync-worker.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finsync/internal/config"
	"finsync/internal/core"
	applog "finsync/internal/log"
	"finsync/internal/remote"
	"finsync/internal/services"
	"finsync/internal/session"
	"finsync/internal/storage"

	"github.com/joho/godotenv"
)

// SetupLogger initializes structured logging at level, writing to out.
// Returns the configured logger and sets it as the default logger.
func SetupLogger(level string, out io.Writer) *slog.Logger {
	logger := applog.New(applog.Config{
		Level:  applog.ParseLevel(level),
		Output: out,
	})
	applog.SetDefault(logger)
	return logger.Logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *slog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed",
			applog.FieldErrorType, applog.ErrorTypeConfiguration,
			applog.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// InitStore opens the Local Store at dbPath.
// Returns the store or exits the process on failure.
func InitStore(logger *slog.Logger, dbPath string) *storage.Store {
	store, err := storage.Open(dbPath)
	if err != nil {
		logger.Error("Failed to open local store",
			applog.FieldErrorType, applog.ErrorTypeDatabase,
			applog.FieldError, err,
			"path", dbPath)
		os.Exit(1)
	}
	return store
}

// RestoreSession resumes the session saved at cfg.CredentialsPath. Without
// saved credentials the manager has no session, unless cfg.GuestMode is set,
// in which case a guest identity is created and saved.
func RestoreSession(ctx context.Context, cfg *config.Config, store *storage.Store) (*session.Manager, error) {
	sess := session.NewManager(store)

	cb, err := session.LoadCredentials(cfg.CredentialsPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if !cfg.GuestMode {
			return sess, nil
		}
		cb = session.Callback{UserID: core.NewLocalID(), Guest: true}
		if err := session.SaveCredentials(cfg.CredentialsPath, cb); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if err := sess.Restore(ctx, cb); err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	return sess, nil
}

// SessionContext returns a context cancelled when parent is or when sess
// ends, so sign-out aborts a pass running under it.
func SessionContext(parent context.Context, sess *session.Manager) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(sess.Context(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// NewRemoteClient builds the gateway client authenticated by tokens.
func NewRemoteClient(cfg *config.Config, tokens *session.Manager) (*remote.Client, error) {
	return remote.New(cfg.APIBaseURL, tokens, remote.WithTimeout(cfg.HTTPTimeout))
}

// NewCoordinator wires the coordinator from configuration. metrics may be nil.
func NewCoordinator(cfg *config.Config, store *storage.Store, client *remote.Client, sess *session.Manager, metrics *services.Metrics) *services.Coordinator {
	cc := services.DefaultCoordinatorConfig()
	cc.MaxBackoff = cfg.SyncMaxBackoff
	cc.BulkWallets = cfg.SyncBulkWallets
	return services.NewCoordinator(store, client, sess, cc, metrics)
}

// NewReceiptService wires receipt ingestion from configuration.
func NewReceiptService(cfg *config.Config, store *storage.Store, client *remote.Client) *services.ReceiptService {
	return services.NewReceiptService(store, client, services.ReceiptServiceConfig{
		MaxImageBytes:   cfg.OCRMaxImageBytes,
		CacheSize:       cfg.OCRCacheSize,
		CacheTTL:        cfg.OCRCacheTTL,
		DefaultCategory: cfg.DefaultCategory,
	})
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *slog.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received",
			applog.FieldOperation, applog.OpShutdown,
			"signal", sig.String())

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}

// Command finsync is the device shell of the sync engine: it edits the Local
// Store, signs in and out, and triggers sync passes on demand.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"finsync/internal/cli"
	"finsync/internal/config"
	"finsync/internal/remote"
	"finsync/internal/session"
	"finsync/internal/storage"

	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
	appName = "finsync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := rootCmd(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs. It is filled in by the root
// command's pre-run; the caller of Execute closes it.
type app struct {
	logger *slog.Logger
	cfg    *config.Config
	store  *storage.Store
	sess   *session.Manager
	client *remote.Client
}

func rootCmd(a *app) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Offline-first personal finance sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.open(cmd.Context(), logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")

	cmd.AddCommand(
		versionCmd(),
		loginCmd(a),
		logoutCmd(a),
		statusCmd(a),
		syncCmd(a),
		refreshCmd(a),
		walletCmd(a),
		txnCmd(a),
		deleteCmd(a),
		ingestCmd(a),
		promoteCmd(a),
		summaryCmd(a),
		pinCmd(a),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	}
}

func (a *app) open(ctx context.Context, logLevel string) error {
	cli.LoadEnvFile()
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	// Logs go to stderr so command output stays parseable.
	a.logger = cli.SetupLogger(cfg.LogLevel, os.Stderr)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	a.store = store

	sess, err := cli.RestoreSession(ctx, cfg, store)
	if err != nil {
		return err
	}
	a.sess = sess

	client, err := cli.NewRemoteClient(cfg, sess)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close local store", "error", err)
	}
	a.store = nil
}

var errNoSession = errors.New("not signed in: run 'finsync login <callback-url>' or 'finsync login --guest'")

// userID returns the id that owns local data in this session.
func (a *app) userID() (string, error) {
	if id := a.sess.UserID(); id != "" {
		return id, nil
	}
	return "", errNoSession
}

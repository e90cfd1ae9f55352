// Command finsync-worker runs sync passes on request from the AMQP trigger
// bus and publishes their results.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"finsync/internal/amqp"
	"finsync/internal/cli"
	applog "finsync/internal/log"
	"finsync/internal/services"
	"finsync/internal/session"
	"finsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Stdout)
	logger.Info("Starting finsync-worker")

	cfg := cli.LoadAndValidateConfig(logger)
	if cfg.AMQPURL == "" {
		logger.Error("finsync-worker needs AMQP_URL",
			applog.FieldErrorType, applog.ErrorTypeConfiguration)
		os.Exit(1)
	}

	store := cli.InitStore(logger, cfg.DBPath)
	defer store.Close()

	sess, err := cli.RestoreSession(context.Background(), cfg, store)
	if err != nil {
		logger.Error("Failed to restore session", applog.FieldError, err)
		os.Exit(1)
	}
	if sess.UserID() == "" {
		logger.Warn("No saved session; sync requests are rejected until 'finsync login'")
	}

	client, err := cli.NewRemoteClient(cfg, sess)
	if err != nil {
		logger.Error("Failed to initialize remote client", applog.FieldError, err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(reg)
	coord := cli.NewCoordinator(cfg, store, client, sess, metrics)

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPResultQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening",
				applog.FieldComponent, applog.ComponentMetrics,
				"addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed",
					applog.FieldComponent, applog.ComponentMetrics,
					applog.FieldError, err)
			}
		}()
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		sess.SignOut()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics server shutdown failed", applog.FieldError, err)
			}
		}
		if err := amqpClient.Close(); err != nil {
			logger.Error("AMQP close failed", applog.FieldError, err)
		}
	})

	creds, err := session.WatchCredentials(cfg.CredentialsPath, sess)
	if err != nil {
		logger.Error("Failed to watch credentials", applog.FieldError, err)
		os.Exit(1)
	}
	go func() {
		if err := creds.Run(ctx); err != nil {
			logger.Error("Credentials watcher stopped", applog.FieldError, err)
		}
	}()

	syncWorker := worker.NewSyncWorker(coord, amqpClient)
	handle := func(ctx context.Context, msg *amqp.SyncRequestMessage) error {
		ctx, cancel := cli.SessionContext(ctx, sess)
		defer cancel()
		return syncWorker.HandleSyncRequest(ctx, msg)
	}

	// Push whatever a previous run left pending before waiting for triggers.
	if userID := sess.UserID(); userID != "" && !sess.IsGuest() {
		logger.Info("Performing startup sync",
			applog.FieldOperation, applog.OpStartup,
			applog.FieldUserID, userID)
		startup := amqp.NewSyncRequestMessage(userID, amqp.ReasonForeground)
		if err := handle(ctx, startup); err != nil {
			logger.Error("Startup sync failed", applog.FieldError, err)
		}
	}

	go func() {
		if err := amqpClient.ConsumeSyncRequests(ctx, handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", applog.FieldError, err)
		}
	}()

	cli.WaitForShutdown(ctx, done)
}

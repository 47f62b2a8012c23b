package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/audit"
	"github.com/mvaldesr/observa/pkg/broker"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run the audit and traceability service",
	Long: `Consumes validated events and daily snapshots, persists both in
PostgreSQL along with event-to-metric traceability, appends events to
the JSONL audit log, and serves the HTTP query API.`,
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := audit.OpenStore(ctx, logger, cfg.Audit.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	logWriter, err := audit.OpenLog(cfg.Audit.LogPath)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	client, err := broker.Connect(ctx, logger, cfg.Broker)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.EnsureTopology(); err != nil {
		return err
	}

	service := audit.NewService(logger, store, logWriter)

	events, err := broker.NewConsumer(logger, client, broker.ConsumerOptions{
		Stream:        broker.StreamEvents,
		Durable:       "audit-events",
		FilterSubject: broker.SubjectValidatedAll,
		BatchSize:     cfg.Broker.BatchSize,
		FetchTimeout:  cfg.Broker.FetchTimeout,
		AckWait:       cfg.Broker.AckWait,
		MaxDeliver:    cfg.Broker.MaxDeliver,
		Handler:       service.HandleEvent,
	})
	if err != nil {
		return err
	}

	metrics, err := broker.NewConsumer(logger, client, broker.ConsumerOptions{
		Stream:        broker.StreamMetrics,
		Durable:       "audit-metrics",
		FilterSubject: broker.SubjectMetricsDaily,
		BatchSize:     cfg.Broker.BatchSize,
		FetchTimeout:  cfg.Broker.FetchTimeout,
		AckWait:       cfg.Broker.AckWait,
		MaxDeliver:    cfg.Broker.MaxDeliver,
		Handler:       service.HandleSnapshot,
	})
	if err != nil {
		return err
	}

	api := audit.NewAPI(logger, store, service.Registry())
	server := &http.Server{
		Addr:              cfg.Audit.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() { errCh <- events.Run(ctx) }()
	go func() { errCh <- metrics.Run(ctx) }()
	go func() {
		logger.Info("Audit API listening", zap.String("addr", cfg.Audit.ListenAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	received := 0
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		received++
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}

	// Drain the remaining goroutines before closing shared resources.
	for ; received < 3; received++ {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
		}
	}

	logger.Info("Audit service stopped")
	return runErr
}

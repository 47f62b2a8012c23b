package cli

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/aggregator"
	"github.com/mvaldesr/observa/pkg/broker"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run the aggregation service",
	Long: `Consumes validated events, deduplicates them by event id, accumulates
per-day per-region counters and publishes daily snapshots when a
calendar day closes. Unprocessable events go to the processing
dead-letter subject.`,
	RunE: runAggregate,
}

func runAggregate(cmd *cobra.Command, args []string) error {
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

	client, err := broker.Connect(ctx, logger, cfg.Broker)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.EnsureTopology(); err != nil {
		return err
	}

	pub := broker.NewPublisher(logger, client, "aggregator", broker.SubjectDeadLetterProcessing)
	engine := aggregator.NewEngine(logger, cfg.Aggregator, pub)

	consumer, err := broker.NewConsumer(logger, client, broker.ConsumerOptions{
		Stream:        broker.StreamEvents,
		Durable:       "aggregator",
		FilterSubject: broker.SubjectValidatedAll,
		BatchSize:     cfg.Broker.BatchSize,
		FetchTimeout:  cfg.Broker.FetchTimeout,
		AckWait:       cfg.Broker.AckWait,
		MaxDeliver:    cfg.Broker.MaxDeliver,
		Handler: func(ctx context.Context, msg *nats.Msg) error {
			routingKey := strings.TrimPrefix(msg.Subject, broker.SubjectValidatedPrefix)
			// The engine absorbs every failure itself: bad events are
			// dead-lettered and a failed snapshot publish restores the
			// bucket, so the message is always terminal here.
			engine.Handle(ctx, routingKey, msg.Data)
			return nil
		},
		// Close flush windows even when no traffic arrives.
		OnIdle: engine.MaybeFlush,
	})
	if err != nil {
		return err
	}

	logger.Info("Aggregator started")
	if err := consumer.Run(ctx); err != nil {
		return err
	}

	// Forced flush so nothing accumulated is lost on shutdown.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	flushed := engine.Flush(flushCtx, true)

	stats := engine.Stats()
	logger.Info("Aggregator stopped",
		zap.Int("final_flush_snapshots", flushed),
		zap.Uint64("processed", stats.Processed),
		zap.Uint64("duplicates", stats.Duplicates),
		zap.Uint64("dead_lettered", stats.DeadLettered),
		zap.Uint64("snapshots_published", stats.Published),
	)
	return nil
}

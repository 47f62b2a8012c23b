package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/broker"
	"github.com/mvaldesr/observa/pkg/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the validation service",
	Long: `Consumes raw producer events, checks the envelope and per-source payload
rules, forwards valid events to the validated subjects and rejects the
rest to the validation dead-letter subject.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
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

	pub := broker.NewPublisher(logger, client, "validator", broker.SubjectDeadLetterValidation)
	service := validator.NewService(logger, pub)

	consumer, err := broker.NewConsumer(logger, client, broker.ConsumerOptions{
		Stream:        broker.StreamEvents,
		Durable:       "validator",
		FilterSubject: broker.SubjectRawAll,
		BatchSize:     cfg.Broker.BatchSize,
		FetchTimeout:  cfg.Broker.FetchTimeout,
		AckWait:       cfg.Broker.AckWait,
		MaxDeliver:    cfg.Broker.MaxDeliver,
		Handler:       service.Handle,
	})
	if err != nil {
		return err
	}

	logger.Info("Validator started")
	if err := consumer.Run(ctx); err != nil {
		return err
	}

	validated, invalid := service.Stats()
	logger.Info("Validator stopped",
		zap.Uint64("validated", validated),
		zap.Uint64("invalid", invalid),
	)
	return nil
}

package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvaldesr/observa/pkg/broker"
	"github.com/mvaldesr/observa/pkg/publisher"
)

var publishOpts = struct {
	mode           string
	rate           float64
	seed           int64
	duplicateRate  float64
	outOfOrderRate float64
	count          int
}{}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Generate synthetic events",
	Long: `Publishes synthetic events on the raw subjects. Modes:

  normal        constant rate (default)
  burst         bursts of 10-50 events with pauses, for backpressure tests
  duplicates    replays recent event identities
  out-of-order  skews timestamps around the previous event

A fixed --seed reproduces the same stream of sources, regions and
payloads.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishOpts.mode, "mode", "normal", "traffic shape: normal, burst, duplicates, out-of-order")
	publishCmd.Flags().Float64Var(&publishOpts.rate, "rate", 1.0, "events per second in normal mode")
	publishCmd.Flags().Int64Var(&publishOpts.seed, "seed", 0, "seed for reproducible streams (0 uses the clock)")
	publishCmd.Flags().Float64Var(&publishOpts.duplicateRate, "duplicate-rate", 0.0, "duplicate injection probability in normal mode")
	publishCmd.Flags().Float64Var(&publishOpts.outOfOrderRate, "out-of-order-rate", 0.0, "out-of-order injection probability in normal mode")
	publishCmd.Flags().IntVar(&publishOpts.count, "count", 0, "stop after N events (0 runs until interrupted)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	seed := publishOpts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

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

	pub := broker.NewPublisher(logger, client, "publisher", broker.SubjectDeadLetterValidation)
	runner, err := publisher.NewRunner(logger, pub, publisher.Options{
		Mode:           publisher.Mode(publishOpts.mode),
		Rate:           publishOpts.rate,
		Seed:           seed,
		DuplicateRate:  publishOpts.duplicateRate,
		OutOfOrderRate: publishOpts.outOfOrderRate,
		Count:          publishOpts.count,
	})
	if err != nil {
		return err
	}

	return runner.Run(ctx)
}

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mvaldesr/observa/pkg/broker"
	"github.com/mvaldesr/observa/pkg/replay"
)

var replayOpts = struct {
	file   string
	offset int
	since  string
}{}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-inject events from the audit log",
	Long: `Reads the JSONL audit log and republishes its events on the validated
subjects, marked with a replay header. The aggregator's deduplication
decides what gets re-counted. Replay is operator-driven only.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayOpts.file, "file", "", "audit log path (defaults to the audit service's log)")
	replayCmd.Flags().IntVar(&replayOpts.offset, "offset", 0, "skip the first N lines")
	replayCmd.Flags().StringVar(&replayOpts.since, "since", "", "replay only events at or after this ISO timestamp")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	path := replayOpts.file
	if path == "" {
		path = cfg.Audit.LogPath
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

	pub := broker.NewPublisher(logger, client, "replay", broker.SubjectDeadLetterProcessing)
	r, err := replay.New(logger, pub, replay.Options{
		Path:   path,
		Offset: replayOpts.offset,
		Since:  replayOpts.since,
	})
	if err != nil {
		return err
	}

	_, err = r.Run(ctx)
	return err
}

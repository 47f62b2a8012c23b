// Package replay re-injects events from the JSONL audit log into the
// pipeline. It is strictly operator-driven: nothing in the system replays
// automatically.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/audit"
	"github.com/mvaldesr/observa/pkg/broker"
	"github.com/mvaldesr/observa/pkg/domain"
)

// Publisher is the broker surface replay needs. Messages are published
// without a broker message id: the aggregator's own deduplication decides
// what a replay re-counts.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, header nats.Header) error
}

// Options selects which log lines to replay.
type Options struct {
	// Path to the JSONL audit log.
	Path string
	// Offset skips the first N lines.
	Offset int
	// Since drops events with a parseable timestamp before this instant.
	// Events with unparseable timestamps are replayed rather than lost.
	Since string
}

// Stats summarizes one replay run.
type Stats struct {
	Replayed int
	Skipped  int
	Corrupt  int
}

// Replayer streams an audit log back onto the validated subjects.
type Replayer struct {
	logger *zap.Logger
	pub    Publisher
	opts   Options
	since  time.Time
}

// New validates the options and builds a replayer.
func New(logger *zap.Logger, pub Publisher, opts Options) (*Replayer, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if opts.Offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", opts.Offset)
	}

	r := &Replayer{logger: logger, pub: pub, opts: opts}
	if opts.Since != "" {
		t, err := domain.ParseEventTime(opts.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since filter: %w", err)
		}
		r.since = t
	}
	return r, nil
}

// Run replays the selected lines and returns the run summary.
func (r *Replayer) Run(ctx context.Context) (Stats, error) {
	f, err := os.Open(r.opts.Path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	r.logger.Info("Replay started",
		zap.String("path", r.opts.Path),
		zap.Int("offset", r.opts.Offset),
		zap.String("since", r.opts.Since),
	)

	var stats Stats
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for index := 0; scanner.Scan(); index++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if index < r.opts.Offset {
			continue
		}

		var line audit.LogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			stats.Corrupt++
			r.logger.Warn("Skipping corrupt log line", zap.Int("line", index), zap.Error(err))
			continue
		}

		if !r.since.IsZero() && r.before(line.Event) {
			stats.Skipped++
			continue
		}

		header := nats.Header{}
		header.Set(broker.HeaderReplay, "true")

		subject := broker.ValidatedSubject(line.RoutingKey)
		if err := r.pub.Publish(ctx, subject, line.Event, header); err != nil {
			return stats, fmt.Errorf("failed to replay line %d: %w", index, err)
		}
		stats.Replayed++

		r.logger.Debug("Line replayed", zap.Int("line", index), zap.String("subject", subject))
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read audit log: %w", err)
	}

	r.logger.Info("Replay finished",
		zap.Int("replayed", stats.Replayed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("corrupt", stats.Corrupt),
	)
	return stats, nil
}

func (r *Replayer) before(event json.RawMessage) bool {
	var ev domain.Event
	if err := json.Unmarshal(event, &ev); err != nil {
		return false
	}
	t, err := domain.ParseEventTime(ev.Timestamp)
	if err != nil {
		return false
	}
	return t.Before(r.since)
}

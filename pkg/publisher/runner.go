package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/broker"
	"github.com/mvaldesr/observa/pkg/domain"
)

// Mode selects the traffic shape.
type Mode string

const (
	// ModeNormal emits events at a constant rate.
	ModeNormal Mode = "normal"
	// ModeBurst emits bursts of 10 to 50 events with pauses between them.
	ModeBurst Mode = "burst"
	// ModeDuplicates replays recent event identities on every tick.
	ModeDuplicates Mode = "duplicates"
	// ModeOutOfOrder skews timestamps around the previous event.
	ModeOutOfOrder Mode = "out-of-order"
)

// Options configures a publisher run.
type Options struct {
	Mode Mode
	// Rate is events per second in normal mode.
	Rate float64
	Seed int64
	// DuplicateRate and OutOfOrderRate inject faults probabilistically in
	// normal mode, 0.0 to 1.0.
	DuplicateRate  float64
	OutOfOrderRate float64
	// Count stops the run after this many events; 0 runs until cancelled.
	Count int
}

// Validate checks option ranges.
func (o Options) Validate() error {
	switch o.Mode {
	case ModeNormal, ModeBurst, ModeDuplicates, ModeOutOfOrder:
	default:
		return fmt.Errorf("unknown mode %q", o.Mode)
	}
	if o.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %g", o.Rate)
	}
	if o.DuplicateRate < 0 || o.DuplicateRate > 1 {
		return fmt.Errorf("duplicate rate must be in [0, 1], got %g", o.DuplicateRate)
	}
	if o.OutOfOrderRate < 0 || o.OutOfOrderRate > 1 {
		return fmt.Errorf("out-of-order rate must be in [0, 1], got %g", o.OutOfOrderRate)
	}
	return nil
}

// EventSink is where generated events go. The broker publisher satisfies it;
// tests substitute a recorder.
type EventSink interface {
	Publish(ctx context.Context, subject string, data []byte, header nats.Header) error
}

// Runner drives a generator against the raw event subjects.
//
// Raw publishes carry no broker message id: the dedup guarantee under test
// lives in the aggregator, and a broker-side duplicate window here would
// swallow the injected duplicates before they reach it.
type Runner struct {
	logger *zap.Logger
	sink   EventSink
	gen    *Generator
	opts   Options

	published  uint64
	duplicates uint64
	outOfOrder uint64
}

// NewRunner wires a generator to a sink.
func NewRunner(logger *zap.Logger, sink EventSink, opts Options) (*Runner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		logger: logger,
		sink:   sink,
		gen:    NewGenerator(opts.Seed),
		opts:   opts,
	}, nil
}

// Run publishes until the context is cancelled or Count is reached.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Publisher started",
		zap.String("mode", string(r.opts.Mode)),
		zap.Float64("rate", r.opts.Rate),
		zap.Int64("seed", r.opts.Seed),
	)

	interval := time.Duration(float64(time.Second) / r.opts.Rate)
	lastTimestamp := time.Now().UTC()

	for {
		if err := ctx.Err(); err != nil {
			r.logStop()
			return nil
		}

		ev := r.nextEvent(lastTimestamp)
		if t, err := domain.ParseEventTime(ev.Timestamp); err == nil {
			lastTimestamp = t
		}

		if err := r.emit(ctx, ev); err != nil {
			return err
		}

		if r.opts.Mode == ModeBurst {
			if err := r.burst(ctx); err != nil {
				return err
			}
		}

		if r.opts.Count > 0 && int(r.published) >= r.opts.Count {
			r.logStop()
			return nil
		}

		delay := interval
		if r.opts.Mode == ModeBurst {
			delay = 5*time.Second + time.Duration(r.gen.rng.Float64()*float64(10*time.Second))
		}
		select {
		case <-ctx.Done():
			r.logStop()
			return nil
		case <-time.After(delay):
		}
	}
}

func (r *Runner) nextEvent(lastTimestamp time.Time) *domain.Event {
	if r.opts.Mode == ModeDuplicates || (r.opts.Mode == ModeNormal && r.gen.rng.Float64() < r.opts.DuplicateRate) {
		if dup, ok := r.gen.Duplicate(); ok {
			r.duplicates++
			r.logger.Info("Duplicate event generated",
				zap.String("event_id", dup.EventID),
				zap.Uint64("duplicate_count", r.duplicates),
			)
			return dup
		}
	}

	if r.opts.Mode == ModeOutOfOrder || (r.opts.Mode == ModeNormal && r.gen.rng.Float64() < r.opts.OutOfOrderRate) {
		ev := r.gen.OutOfOrder(lastTimestamp)
		r.outOfOrder++
		r.logger.Info("Out-of-order event generated",
			zap.String("timestamp", ev.Timestamp),
			zap.Uint64("out_of_order_count", r.outOfOrder),
		)
		return ev
	}

	return r.gen.Next()
}

func (r *Runner) burst(ctx context.Context) error {
	size := 10 + r.gen.rng.Intn(41)
	for i := 0; i < size-1; i++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := r.emit(ctx, r.gen.Next()); err != nil {
			return err
		}
	}
	r.logger.Info("Burst published", zap.Int("burst_size", size))
	return nil
}

func (r *Runner) emit(ctx context.Context, ev *domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	header := nats.Header{}
	header.Set(broker.HeaderRegion, ev.Region)
	header.Set(broker.HeaderSource, string(ev.Source))
	header.Set(broker.HeaderSchemaVersion, ev.SchemaVersion)

	subject := broker.RawSubject(string(ev.Source))
	if err := r.sink.Publish(ctx, subject, body, header); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.EventID, err)
	}

	r.published++
	r.logger.Debug("Event published",
		zap.String("event_id", ev.EventID),
		zap.String("subject", subject),
		zap.String("region", ev.Region),
		zap.Uint64("event_count", r.published),
	)
	return nil
}

func (r *Runner) logStop() {
	r.logger.Info("Publisher stopped",
		zap.Uint64("total_events", r.published),
		zap.Uint64("duplicates", r.duplicates),
		zap.Uint64("out_of_order", r.outOfOrder),
	)
}

// Stats returns running counters.
func (r *Runner) Stats() (published, duplicates, outOfOrder uint64) {
	return r.published, r.duplicates, r.outOfOrder
}

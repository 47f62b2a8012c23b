package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/config"
	"github.com/mvaldesr/observa/pkg/domain"
)

// Sink is the downstream boundary of the engine: snapshots go to the
// metrics destination, unprocessable events to the dead-letter channel.
type Sink interface {
	PublishSnapshot(ctx context.Context, snap domain.Snapshot) error
	PublishDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// Engine is the ingestion loop orchestrator. It owns the dedup cache and
// the bucket store and processes one event at a time on a single goroutine,
// which makes dedup checks and accumulator updates trivially linearizable.
// Every terminal outcome counts as handled; the caller acknowledges the
// inbound message regardless, because a malformed event fails identically
// on redelivery.
type Engine struct {
	logger  *zap.Logger
	cfg     config.AggregatorConfig
	sink    Sink
	dedup   *DedupCache
	buckets *BucketStore

	now       func() time.Time
	lastFlush time.Time

	processed    uint64
	duplicates   uint64
	deadLettered uint64
	published    uint64

	eventsProcessed    metric.Int64Counter
	eventsDuplicate    metric.Int64Counter
	eventsDeadLettered metric.Int64Counter
	snapshotsPublished metric.Int64Counter
}

// Stats is a point-in-time view of engine progress counters.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Duplicates   uint64 `json:"duplicates"`
	DeadLettered uint64 `json:"dead_lettered"`
	Published    uint64 `json:"published"`
	OpenBuckets  int    `json:"open_buckets"`
	DedupEntries int    `json:"dedup_entries"`
}

// NewEngine constructs an engine with its own dedup cache and bucket store.
// No ambient state: multiple independent engines can coexist in one process.
func NewEngine(logger *zap.Logger, cfg config.AggregatorConfig, sink Sink) *Engine {
	e := &Engine{
		logger:  logger,
		cfg:     cfg,
		sink:    sink,
		dedup:   NewDedupCache(cfg.DedupTTL, cfg.DedupMaxEntries),
		buckets: NewBucketStore(),
		now:     time.Now,
	}
	e.lastFlush = e.now()
	e.initInstruments()
	return e
}

func (e *Engine) initInstruments() {
	meter := otel.Meter("github.com/mvaldesr/observa/pkg/aggregator")

	var err error
	if e.eventsProcessed, err = meter.Int64Counter("observa_events_processed_total",
		metric.WithDescription("Events accepted and accumulated")); err != nil {
		e.logger.Warn("Failed to create processed counter", zap.Error(err))
	}
	if e.eventsDuplicate, err = meter.Int64Counter("observa_events_duplicate_total",
		metric.WithDescription("Duplicate events absorbed")); err != nil {
		e.logger.Warn("Failed to create duplicate counter", zap.Error(err))
	}
	if e.eventsDeadLettered, err = meter.Int64Counter("observa_events_deadlettered_total",
		metric.WithDescription("Events routed to the dead-letter channel")); err != nil {
		e.logger.Warn("Failed to create dead-letter counter", zap.Error(err))
	}
	if e.snapshotsPublished, err = meter.Int64Counter("observa_snapshots_published_total",
		metric.WithDescription("Metric snapshots emitted downstream")); err != nil {
		e.logger.Warn("Failed to create snapshot counter", zap.Error(err))
	}
}

// Handle runs the per-event algorithm: parse, identity, dedup, aggregation
// key, classify, opportunistic flush. All failures are per-event, isolated
// and absorbed into the dead-letter channel; Handle never panics the loop.
func (e *Engine) Handle(ctx context.Context, routingKey string, body []byte) {
	now := e.now()

	var ev domain.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		e.deadLetterRaw(ctx, routingKey, body, fmt.Sprintf("malformed payload: %v", err))
		return
	}

	if ev.EventID == "" {
		e.deadLetterEvent(ctx, routingKey, &ev, "missing identity: event_id is empty")
		return
	}

	if !e.dedup.Admit(ev.EventID, now) {
		e.duplicates++
		addCount(ctx, e.eventsDuplicate, 1)
		e.logger.Debug("Duplicate event absorbed",
			zap.String("event_id", ev.EventID),
			zap.Uint64("duplicate_count", e.duplicates),
		)
		if e.cfg.LogDuplicates {
			e.publishDeadLetter(ctx, domain.DeadLetter{
				Error:         "duplicate event already processed",
				OriginalEvent: &ev,
				RoutingKey:    routingKey,
				FailedAt:      now.UTC(),
			})
		}
		return
	}

	day, err := domain.EventDay(ev.Timestamp)
	if err != nil {
		// An event that cannot be dated safely must not land in today's
		// bucket; that would corrupt historical metrics.
		e.deadLetterEvent(ctx, routingKey, &ev, fmt.Sprintf("invalid timestamp: %v", err))
		return
	}

	region := ev.Region
	if region == "" {
		region = categoryUnknown
	}
	key := BucketKey{Date: day, Region: region}

	if err := e.buckets.GetOrCreate(key).Apply(ev.Source, ev.Payload); err != nil {
		e.deadLetterEvent(ctx, routingKey, &ev, fmt.Sprintf("aggregation failure: %v", err))
		return
	}

	e.processed++
	addCount(ctx, e.eventsProcessed, 1)
	if e.cfg.ProgressEvery > 0 && e.processed%uint64(e.cfg.ProgressEvery) == 0 {
		e.logger.Info("Aggregation progress",
			zap.Uint64("processed", e.processed),
			zap.Uint64("duplicates", e.duplicates),
			zap.Int("open_buckets", e.buckets.Len()),
		)
	}

	e.MaybeFlush(ctx)
}

// MaybeFlush emits eligible buckets when the flush interval has elapsed.
// Flushing on an interval rather than on every event bounds the downstream
// publish rate.
func (e *Engine) MaybeFlush(ctx context.Context) {
	now := e.now()
	if now.Sub(e.lastFlush) < e.cfg.FlushInterval {
		return
	}
	e.lastFlush = now
	e.Flush(ctx, false)
}

// Flush emits every eligible bucket as a snapshot. With force set (graceful
// shutdown) the still-open current day is included so nothing is silently
// discarded. A failed publish keeps the bucket for the next cycle.
func (e *Engine) Flush(ctx context.Context, force bool) int {
	todayUTC := e.now().UTC().Format(domain.DateLayout)
	emitted := 0

	for _, b := range e.buckets.FlushEligible(todayUTC, force) {
		if b.Acc.Empty() {
			continue
		}
		snap := BuildSnapshot(b.Key, b.Acc)
		if err := e.sink.PublishSnapshot(ctx, snap); err != nil {
			e.logger.Error("Failed to publish snapshot, holding bucket for retry",
				zap.String("date", b.Key.Date),
				zap.String("region", b.Key.Region),
				zap.Error(err),
			)
			e.buckets.Restore(b.Key, b.Acc)
			continue
		}
		emitted++
		e.published++
		addCount(ctx, e.snapshotsPublished, 1)
		e.logger.Info("Metrics published",
			zap.String("date", b.Key.Date),
			zap.String("region", b.Key.Region),
			zap.Bool("forced", force),
		)
	}

	return emitted
}

// Stats returns current progress counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed:    e.processed,
		Duplicates:   e.duplicates,
		DeadLettered: e.deadLettered,
		Published:    e.published,
		OpenBuckets:  e.buckets.Len(),
		DedupEntries: e.dedup.Len(),
	}
}

// deadLetterRaw routes bytes that failed envelope parsing.
func (e *Engine) deadLetterRaw(ctx context.Context, routingKey string, body []byte, reason string) {
	e.publishDeadLetter(ctx, domain.DeadLetter{
		Error:      reason,
		Body:       string(body),
		RoutingKey: routingKey,
		FailedAt:   e.now().UTC(),
	})
	e.deadLettered++
	addCount(ctx, e.eventsDeadLettered, 1)
	e.logger.Warn("Event dead-lettered", zap.String("reason", reason), zap.String("routing_key", routingKey))
}

// deadLetterEvent routes a parsed event that cannot be processed.
func (e *Engine) deadLetterEvent(ctx context.Context, routingKey string, ev *domain.Event, reason string) {
	e.publishDeadLetter(ctx, domain.DeadLetter{
		Error:         reason,
		OriginalEvent: ev,
		RoutingKey:    routingKey,
		FailedAt:      e.now().UTC(),
	})
	e.deadLettered++
	addCount(ctx, e.eventsDeadLettered, 1)
	e.logger.Warn("Event dead-lettered",
		zap.String("reason", reason),
		zap.String("event_id", ev.EventID),
		zap.String("routing_key", routingKey),
	)
}

func (e *Engine) publishDeadLetter(ctx context.Context, dl domain.DeadLetter) {
	if err := e.sink.PublishDeadLetter(ctx, dl); err != nil {
		e.logger.Error("Failed to publish dead letter", zap.Error(err), zap.String("reason", dl.Error))
	}
}

func addCount(ctx context.Context, c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}

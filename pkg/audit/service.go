package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/broker"
	"github.com/mvaldesr/observa/pkg/domain"
)

// Recorder is the store surface the service writes through. *Store
// satisfies it; tests substitute a stub.
type Recorder interface {
	InsertEvent(ctx context.Context, ev *domain.Event, day string) error
	UpsertSnapshot(ctx context.Context, snap domain.Snapshot) (int64, error)
	LinkTraceability(ctx context.Context, metricID int64, date, region string) (int64, error)
}

// Service consumes validated events and daily snapshots, recording both in
// the store and appending events to the JSONL audit log.
type Service struct {
	logger *zap.Logger
	store  Recorder
	log    *LogWriter

	registry      *prometheus.Registry
	eventsStored  prometheus.Counter
	metricsStored prometheus.Counter
	traceLinks    prometheus.Counter
	failures      prometheus.Counter
}

// NewService wires the audit consumers.
func NewService(logger *zap.Logger, store Recorder, log *LogWriter) *Service {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Service{
		logger:   logger,
		store:    store,
		log:      log,
		registry: reg,
		eventsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "observa_audit_events_stored_total",
			Help: "Validated events persisted to the store.",
		}),
		metricsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "observa_audit_metrics_stored_total",
			Help: "Daily metric snapshots upserted.",
		}),
		traceLinks: factory.NewCounter(prometheus.CounterOpts{
			Name: "observa_audit_traceability_links_total",
			Help: "Event to metric traceability rows created.",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "observa_audit_failures_total",
			Help: "Messages the audit service could not persist.",
		}),
	}
}

// Registry exposes the service metrics for HTTP exposition.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// HandleEvent records one validated event. Malformed messages are counted
// and acknowledged; they would fail identically on redelivery. A store
// failure returns an error so the message stays unacknowledged and the
// broker retries the write.
func (s *Service) HandleEvent(ctx context.Context, msg *nats.Msg) error {
	routingKey := strings.TrimPrefix(msg.Subject, broker.SubjectValidatedPrefix)

	var ev domain.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.failures.Inc()
		s.logger.Error("Dropping malformed validated event", zap.Error(err), zap.String("subject", msg.Subject))
		return nil
	}

	day, err := domain.EventDay(ev.Timestamp)
	if err != nil {
		s.failures.Inc()
		s.logger.Error("Dropping event with bad timestamp", zap.Error(err), zap.String("event_id", ev.EventID))
		return nil
	}

	if err := s.store.InsertEvent(ctx, &ev, day); err != nil {
		s.failures.Inc()
		s.logger.Error("Failed to store event", zap.Error(err), zap.String("event_id", ev.EventID))
		return fmt.Errorf("failed to store event %s: %w", ev.EventID, err)
	}

	if err := s.log.Append(routingKey, msg.Data); err != nil {
		// The store write already succeeded; redelivery would duplicate it
		// for a best-effort log line, so this stays log-only.
		s.logger.Error("Failed to append audit log", zap.Error(err), zap.String("event_id", ev.EventID))
	}

	s.eventsStored.Inc()
	return nil
}

// HandleSnapshot upserts one daily snapshot and links the contributing
// events to it. Store failures return an error for redelivery; the upsert
// and the link are both idempotent, so a retry after a partial write is
// safe.
func (s *Service) HandleSnapshot(ctx context.Context, msg *nats.Msg) error {
	var snap domain.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		s.failures.Inc()
		s.logger.Error("Dropping malformed snapshot", zap.Error(err))
		return nil
	}

	metricID, err := s.store.UpsertSnapshot(ctx, snap)
	if err != nil {
		s.failures.Inc()
		s.logger.Error("Failed to store snapshot", zap.Error(err),
			zap.String("date", snap.Date), zap.String("region", snap.Region))
		return fmt.Errorf("failed to store snapshot %s/%s: %w", snap.Date, snap.Region, err)
	}
	s.metricsStored.Inc()

	links, err := s.store.LinkTraceability(ctx, metricID, snap.Date, snap.Region)
	if err != nil {
		s.failures.Inc()
		s.logger.Error("Failed to link traceability", zap.Error(err),
			zap.String("date", snap.Date), zap.String("region", snap.Region))
		return fmt.Errorf("failed to link traceability for %s/%s: %w", snap.Date, snap.Region, err)
	}
	s.traceLinks.Add(float64(links))

	s.logger.Info("Snapshot stored",
		zap.String("date", snap.Date),
		zap.String("region", snap.Region),
		zap.Int64("metric_id", metricID),
		zap.Int64("linked_events", links),
	)
	return nil
}

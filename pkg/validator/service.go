package validator

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

// Publisher is the broker surface the service needs. *broker.Publisher
// satisfies it; tests substitute a recorder.
type Publisher interface {
	PublishEvent(ctx context.Context, subject string, body []byte, msgID string, header nats.Header) error
	PublishDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// Service glues validation to the broker: it consumes raw producer events
// and republishes or dead-letters them. Invalid events are acknowledged
// after dead-lettering; they would fail identically on redelivery. A failed
// downstream publish returns an error so the raw message stays on the
// stream and redelivery retries it.
type Service struct {
	logger *zap.Logger
	pub    Publisher

	validated uint64
	invalid   uint64
}

// NewService creates the validator glue.
func NewService(logger *zap.Logger, pub Publisher) *Service {
	return &Service{logger: logger, pub: pub}
}

// Handle processes one raw event message. A nil return means the message
// reached a terminal destination (forwarded or dead-lettered) and may be
// acknowledged; an error means a transport failure and the message must be
// redelivered.
func (s *Service) Handle(ctx context.Context, msg *nats.Msg) error {
	routingKey := RoutingKeyFromSubject(msg.Subject, broker.SubjectRawPrefix)

	ev, reason := Check(msg.Data, routingKey)
	if reason != "" {
		s.invalid++
		return s.reject(ctx, msg, routingKey, reason)
	}

	header := nats.Header{}
	header.Set(broker.HeaderRegion, ev.Region)
	header.Set(broker.HeaderSource, string(ev.Source))
	if ev.SchemaVersion != "" {
		header.Set(broker.HeaderSchemaVersion, ev.SchemaVersion)
	}

	subject := broker.ValidatedSubject(string(ev.Source))
	if err := s.pub.PublishEvent(ctx, subject, msg.Data, ev.EventID, header); err != nil {
		// Transport failure, not a domain failure: the raw event must not
		// be acknowledged, or it is gone. The event id makes the eventual
		// redelivered forward idempotent.
		s.logger.Error("Failed to forward validated event", zap.Error(err), zap.String("event_id", ev.EventID))
		return fmt.Errorf("failed to forward event %s: %w", ev.EventID, err)
	}

	s.validated++
	s.logger.Info("Event validated and forwarded",
		zap.String("event_id", ev.EventID),
		zap.String("routing_key", routingKey),
		zap.Uint64("validated_count", s.validated),
	)
	return nil
}

func (s *Service) reject(ctx context.Context, msg *nats.Msg, routingKey, reason string) error {
	dl := domain.DeadLetter{
		Error:      reason,
		RoutingKey: routingKey,
		FailedAt:   time.Now().UTC(),
	}

	var ev domain.Event
	if err := json.Unmarshal(msg.Data, &ev); err == nil {
		dl.OriginalEvent = &ev
	} else {
		dl.Body = string(msg.Data)
	}

	if err := s.pub.PublishDeadLetter(ctx, dl); err != nil {
		// Without the dead letter the rejection leaves no trace; keep the
		// raw message for redelivery instead of acknowledging it.
		s.logger.Error("Failed to publish validation dead letter", zap.Error(err))
		return fmt.Errorf("failed to dead-letter event: %w", err)
	}
	s.logger.Warn("Event rejected",
		zap.String("reason", reason),
		zap.String("routing_key", routingKey),
		zap.Uint64("invalid_count", s.invalid),
	)
	return nil
}

// Stats returns running counters.
func (s *Service) Stats() (validated, invalid uint64) {
	return s.validated, s.invalid
}

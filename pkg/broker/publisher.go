package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/domain"
)

// Publisher emits persistent JSON messages on behalf of one service. It
// implements the aggregator's Sink: snapshots go to metrics.daily and dead
// letters to the service's dead-letter subject.
type Publisher struct {
	logger  *zap.Logger
	client  *Client
	service string

	// dlSubject is where this service's dead letters land, e.g.
	// deadletter.processing for the aggregator.
	dlSubject string
}

// NewPublisher creates a publisher for the named service.
func NewPublisher(logger *zap.Logger, client *Client, service, dlSubject string) *Publisher {
	return &Publisher{
		logger:    logger,
		client:    client,
		service:   service,
		dlSubject: dlSubject,
	}
}

// Publish sends raw bytes to a subject with the given headers.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte, header nats.Header) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: header}
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	if msg.Header.Get(HeaderContentType) == "" {
		msg.Header.Set(HeaderContentType, ContentTypeJSON)
	}
	if _, err := p.client.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, subject string, v any, header nats.Header) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", subject, err)
	}
	return p.Publish(ctx, subject, data, header)
}

// PublishEvent republishes an event body with its identity as message id,
// letting the broker's duplicate window drop tight redelivery loops.
func (p *Publisher) PublishEvent(ctx context.Context, subject string, body []byte, msgID string, header nats.Header) error {
	msg := &nats.Msg{Subject: subject, Data: body, Header: header}
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	msg.Header.Set(HeaderContentType, ContentTypeJSON)
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}
	if _, err := p.client.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	return nil
}

// PublishSnapshot emits a metric snapshot to the well-known metrics subject.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap domain.Snapshot) error {
	return p.PublishJSON(ctx, SubjectMetricsDaily, snap, nil)
}

// PublishDeadLetter routes an unprocessable event to this service's
// dead-letter subject, stamping the failing service and failure time.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if dl.Service == "" {
		dl.Service = p.service
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	if err := p.PublishJSON(ctx, p.dlSubject, dl, nil); err != nil {
		return err
	}
	p.logger.Debug("Dead letter published",
		zap.String("subject", p.dlSubject),
		zap.String("reason", dl.Error),
	)
	return nil
}

// HealthCheck verifies the connection and the metrics stream.
func (p *Publisher) HealthCheck() error {
	if !p.client.Connected() {
		return fmt.Errorf("not connected to NATS")
	}
	if _, err := p.client.js.StreamInfo(StreamMetrics); err != nil {
		return fmt.Errorf("stream health check failed: %w", err)
	}
	return nil
}

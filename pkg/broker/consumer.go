package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler processes one delivered message and decides its fate. A nil
// return acknowledges: the handler must absorb every domain failure itself
// (dead-lettering as needed), because a malformed event fails identically
// on redelivery. A non-nil return means a transport failure - a downstream
// publish or store that may succeed later - and leaves the message
// unacknowledged so the broker redelivers it.
type Handler func(ctx context.Context, msg *nats.Msg) error

// ConsumerOptions configures one durable pull consumer.
type ConsumerOptions struct {
	Stream        string
	Durable       string
	FilterSubject string
	BatchSize     int
	FetchTimeout  time.Duration
	AckWait       time.Duration

	// MaxDeliver caps redelivery attempts per message; past it the broker
	// stops retrying a poison message. Zero keeps the server default.
	MaxDeliver int

	// Handler receives every delivered message.
	Handler Handler

	// OnIdle runs after each fetch cycle, including empty ones. The
	// aggregator hooks its interval flush here so windows close even when
	// no events arrive.
	OnIdle func(ctx context.Context)
}

// Consumer is a single-goroutine pull consumer. The batch size bounds
// unacknowledged messages held at once, which is the pipeline's
// backpressure mechanism: a slow downstream throttles fetching instead of
// queuing unboundedly in memory.
type Consumer struct {
	logger *zap.Logger
	client *Client
	opts   ConsumerOptions
	sub    *nats.Subscription
	wg     sync.WaitGroup

	received int64
	acked    int64
	retried  int64
	errors   int64
}

// NewConsumer binds a durable pull consumer to a stream subject.
func NewConsumer(logger *zap.Logger, client *Client, opts ConsumerOptions) (*Consumer, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = time.Second
	}

	subOpts := []nats.SubOpt{
		nats.BindStream(opts.Stream),
		nats.AckExplicit(),
	}
	if opts.AckWait > 0 {
		subOpts = append(subOpts, nats.AckWait(opts.AckWait))
	}
	if opts.MaxDeliver > 0 {
		subOpts = append(subOpts, nats.MaxDeliver(opts.MaxDeliver))
	}

	sub, err := client.js.PullSubscribe(opts.FilterSubject, opts.Durable, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", opts.FilterSubject, err)
	}

	return &Consumer{
		logger: logger,
		client: client,
		opts:   opts,
		sub:    sub,
	}, nil
}

// Run fetches and processes messages until the context is cancelled. One
// message is in flight at a time; dedup checks and accumulator updates in
// the handler are linearizable without locks.
func (c *Consumer) Run(ctx context.Context) error {
	if c.opts.Handler == nil {
		return fmt.Errorf("consumer handler not set")
	}
	c.logger.Info("Consumer started",
		zap.String("stream", c.opts.Stream),
		zap.String("subject", c.opts.FilterSubject),
		zap.String("durable", c.opts.Durable),
		zap.Int("batch_size", c.opts.BatchSize),
	)

	c.wg.Add(1)
	go c.reportMetrics(ctx)
	defer c.wg.Wait()

	consecutiveErrors := 0
	backoff := BaseBackoffDelay

	for {
		select {
		case <-ctx.Done():
			c.stop()
			return nil
		default:
		}

		if consecutiveErrors >= MaxConsecutiveErrors {
			c.logger.Error("Too many consecutive fetch errors, backing off",
				zap.Int("consecutive_errors", consecutiveErrors),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				c.stop()
				return nil
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * BackoffMultiplier)
			if backoff > MaxBackoffDelay {
				backoff = MaxBackoffDelay
			}
		}

		msgs, err := c.sub.Fetch(c.opts.BatchSize, nats.MaxWait(c.opts.FetchTimeout))
		switch {
		case err == nil:
			consecutiveErrors = 0
			backoff = BaseBackoffDelay
		case err == nats.ErrTimeout || err == context.DeadlineExceeded:
			// Normal idle cycle.
			consecutiveErrors = 0
			backoff = BaseBackoffDelay
			c.idle(ctx)
			continue
		default:
			consecutiveErrors++
			atomic.AddInt64(&c.errors, 1)
			c.logger.Warn("Failed to fetch messages",
				zap.Error(err),
				zap.Int("consecutive_errors", consecutiveErrors),
			)
			select {
			case <-ctx.Done():
				c.stop()
				return nil
			case <-time.After(RetryShortDelay):
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				c.stop()
				return nil
			default:
			}
			atomic.AddInt64(&c.received, 1)
			if err := c.opts.Handler(ctx, msg); err != nil {
				atomic.AddInt64(&c.retried, 1)
				c.logger.Warn("Handler failed, leaving message for redelivery",
					zap.Error(err),
					zap.String("subject", msg.Subject),
				)
				if nakErr := msg.Nak(); nakErr != nil {
					c.logger.Error("Failed to nak message", zap.Error(nakErr))
				}
				continue
			}
			if err := msg.Ack(); err != nil {
				c.logger.Error("Failed to acknowledge message", zap.Error(err))
				continue
			}
			atomic.AddInt64(&c.acked, 1)
		}

		c.idle(ctx)
	}
}

func (c *Consumer) idle(ctx context.Context) {
	if c.opts.OnIdle != nil {
		c.opts.OnIdle(ctx)
	}
}

func (c *Consumer) stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	c.logger.Info("Consumer stopped",
		zap.Int64("received", atomic.LoadInt64(&c.received)),
		zap.Int64("acked", atomic.LoadInt64(&c.acked)),
		zap.Int64("retried", atomic.LoadInt64(&c.retried)),
		zap.Int64("errors", atomic.LoadInt64(&c.errors)),
	)
}

func (c *Consumer) reportMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(MetricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logger.Info("Consumer metrics",
				zap.String("durable", c.opts.Durable),
				zap.Int64("received", atomic.LoadInt64(&c.received)),
				zap.Int64("acked", atomic.LoadInt64(&c.acked)),
				zap.Int64("retried", atomic.LoadInt64(&c.retried)),
				zap.Int64("fetch_errors", atomic.LoadInt64(&c.errors)),
			)
		}
	}
}

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/config"
)

// Client holds one NATS connection and its JetStream context, shared by the
// publishers and consumers of a service instance.
type Client struct {
	logger *zap.Logger
	cfg    config.BrokerConfig
	nc     *nats.Conn
	js     nats.JetStreamContext
}

// Connect dials the broker with bounded retry and fixed backoff. Exhausting
// the attempts is a fatal startup error; mid-run disconnects are handled by
// the client's reconnect options and, past those, by process supervision.
func Connect(ctx context.Context, logger *zap.Logger, cfg config.BrokerConfig) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectionTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		if attempt == cfg.ConnectAttempts {
			return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.ConnectAttempts, err)
		}
		logger.Warn("NATS connection failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.ConnectAttempts),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.ConnectRetry):
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Client{logger: logger, cfg: cfg, nc: nc, js: js}, nil
}

// EnsureTopology creates or updates the pipeline's streams. Every service
// calls it at startup so ordering between services does not matter.
func (c *Client) EnsureTopology() error {
	streams := []struct {
		name     string
		subjects []string
	}{
		{StreamEvents, []string{SubjectEventsAll}},
		{StreamMetrics, []string{SubjectMetricsAll}},
		{StreamDeadLetter, []string{SubjectDeadLetterAll}},
	}
	for _, s := range streams {
		if err := c.ensureStream(s.name, s.subjects); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ensureStream(name string, subjects []string) error {
	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    c.cfg.MaxAge,
		MaxBytes:  c.cfg.MaxBytes,
		Replicas:  c.cfg.Replicas,
	}

	info, err := c.js.StreamInfo(name)
	if err == nats.ErrStreamNotFound {
		if _, err := c.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", name, err)
		}
		c.logger.Info("Created JetStream stream", zap.String("name", name), zap.Strings("subjects", subjects))
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to get stream info for %s: %w", name, err)
	}

	cfg.Subjects = info.Config.Subjects // preserve existing subjects
	if _, err := c.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", name, err)
	}
	return nil
}

// JetStream exposes the underlying JetStream context.
func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

// Connected reports whether the underlying connection is up.
func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains the connection, falling back to a hard close on timeout.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.nc.Drain(); err != nil {
			c.logger.Warn("NATS drain failed", zap.Error(err))
		}
	}()
	select {
	case <-done:
	case <-time.After(DrainTimeout):
		c.logger.Warn("Timeout draining NATS connection")
	}
	c.nc.Close()
}

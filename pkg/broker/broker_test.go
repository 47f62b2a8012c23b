package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mvaldesr/observa/pkg/config"
	"github.com/mvaldesr/observa/pkg/domain"
)

func startTestNATSServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	opts := &server.Options{
		Port:      -1, // random port
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	return ns, ns.ClientURL()
}

func testBrokerConfig(url string) config.BrokerConfig {
	cfg := config.DefaultBrokerConfig()
	cfg.URL = url
	cfg.ConnectAttempts = 2
	cfg.ConnectRetry = 100 * time.Millisecond
	cfg.FetchTimeout = 200 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := Connect(context.Background(), zaptest.NewLogger(t), testBrokerConfig(url))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.EnsureTopology())
	return client
}

func TestConnectRetryExhaustion(t *testing.T) {
	cfg := testBrokerConfig("nats://127.0.0.1:1") // nothing listening
	cfg.ConnectionTimeout = 200 * time.Millisecond

	_, err := Connect(context.Background(), zaptest.NewLogger(t), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestEnsureTopologyIdempotent(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	client := newTestClient(t, url)
	// Second call updates rather than fails.
	require.NoError(t, client.EnsureTopology())

	for _, stream := range []string{StreamEvents, StreamMetrics, StreamDeadLetter} {
		_, err := client.JetStream().StreamInfo(stream)
		assert.NoError(t, err, stream)
	}
}

func TestPublishSnapshotRoundTrip(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	client := newTestClient(t, url)
	pub := NewPublisher(zaptest.NewLogger(t), client, "aggregator", SubjectDeadLetterProcessing)

	snap := domain.Snapshot{
		Date:   "2025-01-15",
		Region: "norte",
		Metrics: domain.SnapshotMetrics{
			SecurityIncident: &domain.SecurityIncidentMetrics{
				Count:       1,
				BySeverity:  map[string]uint64{"high": 1},
				ByCrimeType: map[string]uint64{"theft": 1},
			},
		},
	}
	require.NoError(t, pub.PublishSnapshot(context.Background(), snap))

	sub, err := client.JetStream().PullSubscribe(SubjectMetricsDaily, "test-metrics", nats.BindStream(StreamMetrics))
	require.NoError(t, err)

	msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got domain.Snapshot
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, snap, got)
	assert.Equal(t, ContentTypeJSON, msgs[0].Header.Get(HeaderContentType))
}

func TestPublishDeadLetterStampsService(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	client := newTestClient(t, url)
	pub := NewPublisher(zaptest.NewLogger(t), client, "aggregator", SubjectDeadLetterProcessing)

	require.NoError(t, pub.PublishDeadLetter(context.Background(), domain.DeadLetter{
		Error: "invalid timestamp",
		Body:  "raw bytes",
	}))

	sub, err := client.JetStream().PullSubscribe(SubjectDeadLetterProcessing, "test-dlq", nats.BindStream(StreamDeadLetter))
	require.NoError(t, err)

	msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var dl domain.DeadLetter
	require.NoError(t, json.Unmarshal(msgs[0].Data, &dl))
	assert.Equal(t, "aggregator", dl.Service)
	assert.Equal(t, "invalid timestamp", dl.Error)
	assert.False(t, dl.FailedAt.IsZero())
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	client := newTestClient(t, url)
	pub := NewPublisher(zaptest.NewLogger(t), client, "publisher", SubjectDeadLetterProcessing)

	var mu sync.Mutex
	var got []string
	idle := make(chan struct{}, 1)

	consumer, err := NewConsumer(zaptest.NewLogger(t), client, ConsumerOptions{
		Stream:        StreamEvents,
		Durable:       "test-agg",
		FilterSubject: SubjectValidatedAll,
		BatchSize:     5,
		FetchTimeout:  200 * time.Millisecond,
		Handler: func(_ context.Context, msg *nats.Msg) error {
			mu.Lock()
			got = append(got, string(msg.Data))
			mu.Unlock()
			return nil
		},
		OnIdle: func(context.Context) {
			select {
			case idle <- struct{}{}:
			default:
			}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	for _, body := range []string{`{"event_id":"a"}`, `{"event_id":"b"}`} {
		require.NoError(t, pub.PublishEvent(ctx, ValidatedSubject("security.incident"), []byte(body), "", nil))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 50*time.Millisecond)

	// Idle hook fires on empty fetch cycles.
	select {
	case <-idle:
	case <-time.After(3 * time.Second):
		t.Fatal("OnIdle never fired")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestConsumerRedeliversOnHandlerError(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	client := newTestClient(t, url)
	pub := NewPublisher(zaptest.NewLogger(t), client, "validator", SubjectDeadLetterValidation)

	var mu sync.Mutex
	var attempts int

	consumer, err := NewConsumer(zaptest.NewLogger(t), client, ConsumerOptions{
		Stream:        StreamEvents,
		Durable:       "test-redeliver",
		FilterSubject: SubjectRawAll,
		BatchSize:     5,
		FetchTimeout:  200 * time.Millisecond,
		AckWait:       time.Second,
		MaxDeliver:    5,
		Handler: func(_ context.Context, msg *nats.Msg) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			// A downstream publish that fails on the first delivery and
			// succeeds once the broker retries.
			if attempts == 1 {
				return errors.New("downstream unavailable")
			}
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.NoError(t, pub.PublishEvent(ctx, RawSubject("security.incident"), []byte(`{"event_id":"evt-r1"}`), "", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 10*time.Second, 50*time.Millisecond)

	// Once the handler succeeds the message is acked and leaves the consumer.
	require.Eventually(t, func() bool {
		info, err := client.JetStream().ConsumerInfo(StreamEvents, "test-redeliver")
		if err != nil {
			return false
		}
		return info.NumAckPending == 0 && info.NumPending == 0
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestConsumerMaxDeliverConfigured(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	client := newTestClient(t, url)
	_, err := NewConsumer(zaptest.NewLogger(t), client, ConsumerOptions{
		Stream:        StreamEvents,
		Durable:       "test-maxdeliver",
		FilterSubject: SubjectRawAll,
		MaxDeliver:    3,
		Handler:       func(context.Context, *nats.Msg) error { return nil },
	})
	require.NoError(t, err)

	info, err := client.JetStream().ConsumerInfo(StreamEvents, "test-maxdeliver")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Config.MaxDeliver)
}

func TestConsumerRequiresHandler(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	client := newTestClient(t, url)
	consumer, err := NewConsumer(zaptest.NewLogger(t), client, ConsumerOptions{
		Stream:        StreamEvents,
		Durable:       "test-nohandler",
		FilterSubject: SubjectValidatedAll,
	})
	require.NoError(t, err)
	assert.Error(t, consumer.Run(context.Background()))
}

func TestPublishEventDuplicateWindow(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	client := newTestClient(t, url)
	pub := NewPublisher(zaptest.NewLogger(t), client, "validator", SubjectDeadLetterValidation)

	ctx := context.Background()
	subject := ValidatedSubject("migration.case")
	body := []byte(`{"event_id":"evt-1"}`)

	require.NoError(t, pub.PublishEvent(ctx, subject, body, "evt-1", nil))
	require.NoError(t, pub.PublishEvent(ctx, subject, body, "evt-1", nil))

	info, err := client.JetStream().StreamInfo(StreamEvents)
	require.NoError(t, err)
	// The broker-side duplicate window absorbed the second publish.
	assert.Equal(t, uint64(1), info.State.Msgs)
}

package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestIntegration_PublishConsumeAck runs against a real RabbitMQ when
// RELAY_TEST_AMQP_URI and RELAY_TEST_MANAGEMENT_URL are set.
func TestIntegration_PublishConsumeAck(t *testing.T) {
	uri := os.Getenv("RELAY_TEST_AMQP_URI")
	mgmtURL := os.Getenv("RELAY_TEST_MANAGEMENT_URL")
	if uri == "" || mgmtURL == "" {
		t.Skip("RELAY_TEST_AMQP_URI and RELAY_TEST_MANAGEMENT_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger := zaptest.NewLogger(t)

	mgmt, err := NewManagementClient(ManagementConfig{
		URL:      mgmtURL,
		Username: envOr("RELAY_TEST_MANAGEMENT_USER", "guest"),
		Password: envOr("RELAY_TEST_MANAGEMENT_PASSWORD", "guest"),
	}, logger)
	require.NoError(t, err)

	publisher, err := New(Config{URI: uri, Service: ServiceRelayer, PurgeOnStartup: true}, nil, logger)
	require.NoError(t, err)
	require.NoError(t, publisher.Init(ctx))
	defer publisher.Dispose(context.Background())

	ev := transferEvent()
	require.True(t, publisher.Publish(ctx, PublicationMessageRelayer, ev))

	// Inspect without consuming first
	assert.Eventually(t, func() bool {
		stats, err := mgmt.QueueStats(ctx, QueueBalances)
		return err == nil && stats.Messages == 1
	}, 10*time.Second, 200*time.Millisecond)

	peeked, err := mgmt.GetMessages(ctx, QueueBalances, 1, true)
	require.NoError(t, err)
	require.Len(t, peeked, 1)
	assert.Equal(t, "Transfer", peeked[0].RoutingKey)

	consumer, err := New(Config{URI: uri, Service: ServiceBalances}, nil, logger)
	require.NoError(t, err)
	require.NoError(t, consumer.Init(ctx))
	defer consumer.Dispose(context.Background())

	received := make(chan *events.CanonicalEvent, 4)
	require.True(t, consumer.Subscribe(ctx, SubscriptionBalances, func(ctx context.Context, got *events.CanonicalEvent) error {
		received <- got
		return nil
	}, nil))

	select {
	case got := <-received:
		assert.Equal(t, ev, got)
	case <-ctx.Done():
		t.Fatal("message never delivered")
	}

	assert.Eventually(t, func() bool {
		stats, err := mgmt.QueueStats(ctx, QueueBalances)
		return err == nil && stats.Messages == 0
	}, 10*time.Second, 200*time.Millisecond)
	assert.Len(t, received, 0, "delivered exactly once")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

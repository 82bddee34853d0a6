package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ManagementConfig holds RabbitMQ management API configuration
type ManagementConfig struct {
	URL      string
	Username string
	Password string
	VHost    string
	Timeout  time.Duration
}

// ManagementClient talks to the broker's HTTP management API. It backs the
// ops queue report and tests; nothing on the relay path depends on it.
type ManagementClient struct {
	config ManagementConfig
	client *http.Client
	logger *zap.Logger
}

// QueueStats is the depth of one queue.
type QueueStats struct {
	Name                   string `json:"name"`
	Messages               int    `json:"messages"`
	MessagesReady          int    `json:"messages_ready"`
	MessagesUnacknowledged int    `json:"messages_unacknowledged"`
	Consumers              int    `json:"consumers"`
}

// Message is a message fetched through the management API.
type Message struct {
	Exchange        string                 `json:"exchange"`
	RoutingKey      string                 `json:"routing_key"`
	Redelivered     bool                   `json:"redelivered"`
	MessageCount    int                    `json:"message_count"`
	Payload         string                 `json:"payload"`
	PayloadEncoding string                 `json:"payload_encoding"`
	Properties      map[string]interface{} `json:"properties"`
}

// Event decodes the message payload as a canonical event.
func (m *Message) Event() (*events.CanonicalEvent, error) {
	return events.Decode([]byte(m.Payload))
}

// NewManagementClient creates a management API client.
func NewManagementClient(cfg ManagementConfig, logger *zap.Logger) (*ManagementClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("management url cannot be empty")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid management url: %w", err)
	}
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &ManagementClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("management"),
	}, nil
}

func (c *ManagementClient) path(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.config.URL + "/api/" + strings.Join(escaped, "/")
}

func (c *ManagementClient) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// PublishToExchange publishes ev to exchange with its routing key and
// reports whether the broker routed it to at least one queue.
func (c *ManagementClient) PublishToExchange(ctx context.Context, exchange string, ev *events.CanonicalEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}

	req := map[string]interface{}{
		"properties": map[string]interface{}{
			"content_type":  ContentTypeJSON,
			"delivery_mode": 2,
			"message_id":    uuid.NewString(),
			"type":          string(ev.Kind),
		},
		"routing_key":      RoutingKey(ev),
		"payload":          string(body),
		"payload_encoding": "string",
	}

	var resp struct {
		Routed bool `json:"routed"`
	}
	if err := c.do(ctx, http.MethodPost, c.path("exchanges", c.config.VHost, exchange, "publish"), req, &resp); err != nil {
		return false, err
	}

	c.logger.Debug("published through management api",
		zap.String("exchange", exchange),
		zap.String("routing_key", RoutingKey(ev)),
		zap.Bool("routed", resp.Routed))
	return resp.Routed, nil
}

// QueueStats returns the depth of a queue.
func (c *ManagementClient) QueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	var stats QueueStats
	if err := c.do(ctx, http.MethodGet, c.path("queues", c.config.VHost, queue), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// QueueDepths returns stats for each named queue in order. The first
// failing queue aborts the report.
func (c *ManagementClient) QueueDepths(ctx context.Context, queues []string) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		stats, err := c.QueueStats(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", q, err)
		}
		out = append(out, *stats)
	}
	return out, nil
}

// GetMessages fetches up to count messages from a queue. With requeue the
// messages stay on the queue; without it they are removed.
func (c *ManagementClient) GetMessages(ctx context.Context, queue string, count int, requeue bool) ([]Message, error) {
	ackMode := "ack_requeue_false"
	if requeue {
		ackMode = "ack_requeue_true"
	}
	req := map[string]interface{}{
		"count":    count,
		"ackmode":  ackMode,
		"encoding": "auto",
	}

	var msgs []Message
	if err := c.do(ctx, http.MethodPost, c.path("queues", c.config.VHost, queue, "get"), req, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

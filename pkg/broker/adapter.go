// Package broker relays canonical events through a topic exchange broker
// and delivers them to subscription handlers with retry and dead-lettering.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultPublishTimeout    = 10 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	DefaultMaxReconnectDelay = time.Minute
)

// Config holds broker adapter configuration
type Config struct {
	URI     string
	Service Service

	// PurgeOnStartup empties the service's queues after asserting them.
	// Only meant for local and test topologies.
	PurgeOnStartup bool

	PublishTimeout    time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// Prefetch overrides every subscription's prefetch when positive
	Prefetch int

	ConnectionName string
}

func (c *Config) setDefaults() {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.ConnectionName == "" {
		c.ConnectionName = "chainrelay-" + string(c.Service)
	}
}

// Handler processes one delivered event. A returned error is passed to the
// subscription's retry strategy.
type Handler func(ctx context.Context, ev *events.CanonicalEvent) error

// Option configures an Adapter
type Option func(*Adapter)

// WithDialer replaces the AMQP dialer.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// WithObserver registers obs for sig.
func WithObserver(sig Signal, obs Observer) Option {
	return func(a *Adapter) {
		if !sig.Valid() {
			a.optErr = fmt.Errorf("unknown signal %q", sig)
			return
		}
		a.observers[sig] = append(a.observers[sig], obs)
	}
}

// WithMetrics sets the metrics the adapter reports to.
func WithMetrics(m *Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithRegisterer registers fresh broker metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Adapter) { a.metrics = NewMetrics(reg) }
}

type subscriber struct {
	sub      Subscription
	handler  Handler
	strategy RetryStrategy
	tag      string
	ch       Channel
}

// Adapter owns one broker connection for one service.
type Adapter struct {
	cfg       Config
	topology  *Topology
	dial      Dialer
	logger    *zap.Logger
	metrics   *Metrics
	observers map[Signal][]Observer
	optErr    error

	initialized atomic.Bool
	disposing   atomic.Bool

	// mu guards conn and subs
	mu   sync.Mutex
	conn Connection
	subs map[string]*subscriber

	// pubMu serializes publishes on the shared confirm channel
	pubMu sync.Mutex
	pubCh Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the topology and selects the service's part of it. Nothing
// is dialed until Init. A nil topology means DefaultTopology.
func New(cfg Config, topology *Topology, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	cfg.setDefaults()
	if cfg.URI == "" {
		return nil, fmt.Errorf("broker uri cannot be empty")
	}
	if topology == nil {
		topology = DefaultTopology()
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	scoped, err := topology.ForService(cfg.Service)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Adapter{
		cfg:       cfg,
		topology:  scoped,
		dial:      DialAMQP,
		logger:    logger.With(zap.String("service", string(cfg.Service))),
		observers: make(map[Signal][]Observer),
		subs:      make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.optErr != nil {
		return nil, a.optErr
	}
	if a.metrics == nil {
		a.metrics = NewMetrics(nil)
	}
	return a, nil
}

// Topology returns the part of the topology this adapter asserts.
func (a *Adapter) Topology() *Topology {
	return a.topology
}

// Initialized reports whether Init succeeded and Dispose was not called.
func (a *Adapter) Initialized() bool {
	return a.initialized.Load()
}

// Connected reports whether the broker connection is currently up.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && !a.conn.IsClosed()
}

// Init dials the broker, asserts the service topology, optionally purges its
// queues and starts watching the connection. Failing to connect here is
// fatal; later connection loss is recovered in the background.
func (a *Adapter) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized.Load() {
		return ErrAlreadyInitialized
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.disposing.Store(false)

	if err := a.connectLocked(ctx, a.cfg.PurgeOnStartup); err != nil {
		a.cancel()
		return fmt.Errorf("connect to broker: %w", err)
	}

	a.initialized.Store(true)
	return nil
}

func (a *Adapter) connectLocked(ctx context.Context, purge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := a.dial(a.cfg.URI, dialConfig(a.cfg.ConnectionName))
	if err != nil {
		return err
	}

	if err := a.assertTopology(conn, purge); err != nil {
		conn.Close()
		return err
	}

	pubCh, err := a.openPublishChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}

	a.conn = conn
	a.pubMu.Lock()
	a.pubCh = pubCh
	a.pubMu.Unlock()

	a.metrics.Connected.Set(1)
	a.watch(conn)
	a.emit(Notification{Signal: SignalReady, Reason: "topology asserted"})
	return nil
}

func (a *Adapter) assertTopology(conn Connection, purge bool) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open setup channel: %w", err)
	}
	defer ch.Close()

	for _, e := range a.topology.Exchanges {
		if err := ch.ExchangeDeclare(e.Name, e.Kind, e.Durable, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", e.Name, err)
		}
	}
	for _, q := range a.topology.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.Args()); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}
	for _, b := range a.topology.Bindings {
		for _, key := range b.Keys {
			if err := ch.QueueBind(b.Queue, key, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s with %s: %w", b.Queue, b.Exchange, key, err)
			}
		}
	}

	if purge {
		for _, q := range a.topology.Queues {
			n, err := ch.QueuePurge(q.Name, false)
			if err != nil {
				return fmt.Errorf("purge queue %s: %w", q.Name, err)
			}
			a.logger.Info("purged queue", zap.String("queue", q.Name), zap.Int("messages", n))
		}
	}

	a.logger.Debug("asserted topology",
		zap.Int("exchanges", len(a.topology.Exchanges)),
		zap.Int("queues", len(a.topology.Queues)),
		zap.Int("bindings", len(a.topology.Bindings)))
	return nil
}

// openPublishChannel opens the confirm-mode channel used for publishing and
// for republishing failed deliveries.
func (a *Adapter) openPublishChannel(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				return
			case r, ok := <-returns:
				if !ok {
					return
				}
				a.emit(Notification{
					Signal: SignalError,
					Reason: fmt.Sprintf("unroutable message %s to %q with key %s: %s",
						r.MessageId, r.Exchange, r.RoutingKey, r.ReplyText),
				})
			}
		}
	}()
	return ch, nil
}

// watch follows the connection until it closes. An unexpected close starts
// the reconnect loop.
func (a *Adapter) watch(conn Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 4))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				return
			case b, ok := <-blocked:
				if !ok {
					blocked = nil
					continue
				}
				if b.Active {
					a.emit(Notification{Signal: SignalBlocked, Reason: b.Reason})
				} else {
					a.emit(Notification{Signal: SignalUnblocked, Reason: "broker resumed"})
				}
			case err, ok := <-closed:
				a.metrics.Connected.Set(0)
				if !ok || err == nil || a.disposing.Load() {
					return
				}
				a.emit(Notification{Signal: SignalError, Reason: "connection closed", Err: err})
				a.reconnect()
				return
			}
		}
	}()
}

func (a *Adapter) reconnect() {
	a.pubMu.Lock()
	a.pubCh = nil
	a.pubMu.Unlock()

	delay := a.cfg.ReconnectDelay
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		a.mu.Lock()
		if a.disposing.Load() {
			a.mu.Unlock()
			return
		}
		a.conn = nil
		err := a.connectLocked(a.ctx, false)
		if err == nil {
			for name, s := range a.subs {
				if err := a.startConsumerLocked(s); err != nil {
					a.emit(Notification{Signal: SignalSubscriptionError, Subscription: name, Reason: "resubscribe failed", Err: err})
				}
			}
			a.mu.Unlock()
			a.metrics.ReconnectsTotal.Inc()
			a.logger.Info("reconnected to broker", zap.Int("attempt", attempt))
			return
		}
		a.mu.Unlock()

		a.logger.Warn("reconnect failed",
			zap.Int("attempt", attempt),
			zap.Duration("next_delay", delay),
			zap.Error(err))

		delay *= 2
		if delay > a.cfg.MaxReconnectDelay {
			delay = a.cfg.MaxReconnectDelay
		}
	}
}

// Publish publishes ev on the named publication and reports whether the
// broker confirmed it. It returns false without any broker I/O when the
// adapter is not initialized or the publication is not this service's.
func (a *Adapter) Publish(ctx context.Context, publication string, ev *events.CanonicalEvent) bool {
	if err := a.PublishWithContext(ctx, publication, ev); err != nil {
		fields := []zap.Field{
			zap.String("publication", publication),
			zap.Error(err),
		}
		if ev != nil {
			fields = append(fields,
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("block", ev.BlockNumber),
				zap.String("routing_key", RoutingKey(ev)),
				zap.Any("payload", ev.Payload))
		}
		a.logger.Error("publish failed", fields...)
		return false
	}
	return true
}

// PublishWithContext is Publish with the failure reason.
func (a *Adapter) PublishWithContext(ctx context.Context, publication string, ev *events.CanonicalEvent) error {
	if !a.initialized.Load() {
		return ErrNotInitialized
	}
	pub, ok := a.topology.Publication(publication)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPublication, publication)
	}
	if err := ev.Validate(); err != nil {
		return &ValidationError{Reason: "refusing to publish invalid event", Err: err}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return &ValidationError{Reason: "encode event", Err: err}
	}

	key := RoutingKey(ev)
	msg := amqp.Publishing{
		ContentType: ContentTypeJSON,
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Type:        string(ev.Kind),
		AppId:       a.cfg.ConnectionName,
		Body:        body,
	}
	if pub.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	start := time.Now()
	err = a.publish(ctx, pub.Exchange, key, msg, pub.Confirm)
	if err != nil {
		a.metrics.PublishedTotal.WithLabelValues(publication, key, "error").Inc()
		return fmt.Errorf("publish %s with key %s: %w", publication, key, err)
	}

	a.metrics.PublishedTotal.WithLabelValues(publication, key, "ok").Inc()
	a.metrics.PublishDuration.WithLabelValues(publication).Observe(time.Since(start).Seconds())
	a.logger.Debug("published event",
		zap.String("publication", publication),
		zap.String("routing_key", key),
		zap.Uint64("block", ev.BlockNumber),
		zap.String("message_id", msg.MessageId))
	return nil
}

// publish sends msg on the shared channel and waits for the confirmation
// outside the lock, bounded by the publish timeout.
func (a *Adapter) publish(ctx context.Context, exchange, key string, msg amqp.Publishing, confirm bool) error {
	a.pubMu.Lock()
	ch := a.pubCh
	if ch == nil {
		a.pubMu.Unlock()
		return ErrNotConnected
	}
	dc, err := ch.Publish(ctx, exchange, key, true, msg)
	a.pubMu.Unlock()
	if err != nil {
		return err
	}
	if !confirm || dc == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.PublishTimeout)
	defer cancel()

	acked, err := dc.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("wait for publisher confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// Subscribe starts consuming the named subscription and reports whether it
// started. It returns false without any broker I/O when the adapter is not
// initialized or the subscription is not this service's. A nil strategy
// means the default retry strategy with the subscription's retry delay.
func (a *Adapter) Subscribe(ctx context.Context, subscription string, handler Handler, strategy RetryStrategy) bool {
	if err := a.SubscribeWithContext(ctx, subscription, handler, strategy); err != nil {
		a.logger.Error("subscribe failed", zap.String("subscription", subscription), zap.Error(err))
		return false
	}
	return true
}

// SubscribeWithContext is Subscribe with the failure reason.
func (a *Adapter) SubscribeWithContext(ctx context.Context, subscription string, handler Handler, strategy RetryStrategy) error {
	if !a.initialized.Load() {
		return ErrNotInitialized
	}
	sub, ok := a.topology.Subscription(subscription)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, subscription)
	}
	if handler == nil {
		return ErrNilHandler
	}
	if strategy == nil {
		def := NewDefaultRetryStrategy()
		if sub.RetryDelay > 0 {
			def.Delay = sub.RetryDelay
		}
		strategy = def
	}
	if a.cfg.Prefetch > 0 {
		sub.Prefetch = a.cfg.Prefetch
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.subs[subscription]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadySubscribed, subscription)
	}

	s := &subscriber{
		sub:      sub,
		handler:  handler,
		strategy: strategy,
		tag:      fmt.Sprintf("%s.%s.%s", a.cfg.Service, subscription, uuid.NewString()),
	}
	if err := a.startConsumerLocked(s); err != nil {
		return fmt.Errorf("subscribe %s: %w", subscription, err)
	}

	a.subs[subscription] = s
	a.metrics.ActiveSubscribers.Inc()
	a.logger.Info("subscribed",
		zap.String("subscription", subscription),
		zap.String("queue", sub.Queue),
		zap.Int("prefetch", sub.Prefetch))
	return nil
}

// startConsumerLocked opens a dedicated channel for s and starts one worker
// per prefetch slot, so no more than prefetch messages are in flight.
func (a *Adapter) startConsumerLocked(s *subscriber) error {
	if a.conn == nil {
		return ErrNotConnected
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(s.sub.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(a.ctx, s.sub.Queue, s.tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", s.sub.Queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	s.ch = ch

	for i := 0; i < s.sub.Prefetch; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for d := range deliveries {
				a.handleDelivery(s, d)
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-a.ctx.Done():
		case err, ok := <-closed:
			if ok && err != nil && !a.disposing.Load() {
				a.emit(Notification{
					Signal:       SignalSubscriptionError,
					Subscription: s.sub.Name,
					Reason:       "consumer channel closed",
					Err:          err,
				})
			}
		}
	}()
	return nil
}

// handleDelivery runs the handler and settles the delivery with exactly
// one ack or nack.
func (a *Adapter) handleDelivery(s *subscriber, d amqp.Delivery) {
	name := s.sub.Name

	if s.sub.ContentType != "" && d.ContentType != "" && d.ContentType != s.sub.ContentType {
		a.rejectInvalid(s, d, fmt.Errorf("unexpected content type %q", d.ContentType))
		return
	}
	ev, err := events.Decode(d.Body)
	if err != nil {
		a.rejectInvalid(s, d, err)
		return
	}

	start := time.Now()
	herr := callHandler(a.ctx, s.handler, ev)
	a.metrics.HandlerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if herr == nil {
		a.settle(s, d, "ack", d.Ack(false))
		return
	}

	// Shutting down: hand the message back to the queue untouched
	if a.ctx.Err() != nil {
		a.settle(s, d, "requeue", d.Nack(false, true))
		return
	}

	attempts := deliveryAttempts(d.Headers)
	r := Resolve(recoverWith(s.strategy, herr, name, ev), attempts)

	a.logger.Error("handler failed",
		zap.String("subscription", name),
		zap.String("queue", s.sub.Queue),
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageId),
		zap.String("kind", string(ev.Kind)),
		zap.Uint64("block", ev.BlockNumber),
		zap.Any("payload", ev.Payload),
		zap.Int("attempt", attempts),
		zap.Stringer("recovery", r.Strategy),
		zap.Error(herr))

	switch r.Strategy {
	case RecoveryRepublish:
		if err := a.republish(s, d, r.Delay, attempts+1); err != nil {
			if a.ctx.Err() != nil {
				a.settle(s, d, "requeue", d.Nack(false, true))
				return
			}
			a.logger.Error("republish failed, dead-lettering",
				zap.String("subscription", name),
				zap.String("message_id", d.MessageId),
				zap.Error(err))
			a.settle(s, d, "nack", d.Nack(false, false))
			return
		}
		a.settle(s, d, "republish", d.Ack(false))
	case RecoveryDeadLetter:
		a.settle(s, d, "dead_letter", d.Nack(false, false))
	default:
		a.settle(s, d, "nack", d.Nack(false, false))
	}
}

func (a *Adapter) rejectInvalid(s *subscriber, d amqp.Delivery, err error) {
	a.emit(Notification{
		Signal:       SignalInvalidContent,
		Subscription: s.sub.Name,
		Reason:       fmt.Sprintf("message %s on %s", d.MessageId, s.sub.Queue),
		Err:          err,
	})
	a.logger.Error("invalid message content, nacking without retry",
		zap.String("subscription", s.sub.Name),
		zap.String("queue", s.sub.Queue),
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageId),
		zap.ByteString("body", d.Body),
		zap.Error(err))
	a.settle(s, d, "invalid", d.Nack(false, false))
}

func (a *Adapter) settle(s *subscriber, d amqp.Delivery, outcome string, err error) {
	a.metrics.DeliveriesTotal.WithLabelValues(s.sub.Name, outcome).Inc()
	if err != nil {
		a.logger.Warn("failed to settle delivery",
			zap.String("subscription", s.sub.Name),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
}

// republish waits delay and publishes a copy of d straight to its queue
// through the default exchange, with the attempt count incremented.
func (a *Adapter) republish(s *subscriber, d amqp.Delivery, delay time.Duration, attempts int) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return a.ctx.Err()
		case <-timer.C:
		}
	}

	headers := make(amqp.Table, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[AttemptsHeader] = int32(attempts)

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now().UTC(),
		Type:         d.Type,
		AppId:        d.AppId,
		Body:         d.Body,
	}
	return a.publish(a.ctx, "", s.sub.Queue, msg, true)
}

// Dispose cancels consumers, waits for in-flight handlers and closes the
// connection. It is idempotent; ctx bounds the wait.
func (a *Adapter) Dispose(ctx context.Context) error {
	if !a.initialized.Swap(false) {
		return nil
	}
	a.disposing.Store(true)

	a.mu.Lock()
	for name, s := range a.subs {
		if s.ch == nil {
			continue
		}
		if err := s.ch.Cancel(s.tag, false); err != nil {
			a.logger.Warn("failed to cancel consumer", zap.String("subscription", name), zap.Error(err))
		}
	}
	a.cancel()
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for handlers: %w", ctx.Err())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, s := range a.subs {
		if s.ch != nil {
			errs = append(errs, ignoreClosed(s.ch.Close()))
		}
	}
	a.metrics.ActiveSubscribers.Sub(float64(len(a.subs)))
	a.subs = make(map[string]*subscriber)

	a.pubMu.Lock()
	if a.pubCh != nil {
		errs = append(errs, ignoreClosed(a.pubCh.Close()))
		a.pubCh = nil
	}
	a.pubMu.Unlock()

	if a.conn != nil {
		errs = append(errs, ignoreClosed(a.conn.Close()))
		a.conn = nil
	}
	a.metrics.Connected.Set(0)
	a.logger.Info("broker adapter disposed")

	return errors.Join(append(errs, waitErr)...)
}

func (a *Adapter) emit(n Notification) {
	a.metrics.SignalsTotal.WithLabelValues(string(n.Signal)).Inc()

	fields := []zap.Field{zap.String("signal", string(n.Signal)), zap.String("reason", n.Reason)}
	if n.Subscription != "" {
		fields = append(fields, zap.String("subscription", n.Subscription))
	}
	if n.Err != nil {
		fields = append(fields, zap.Error(n.Err))
	}
	switch n.Signal {
	case SignalError, SignalSubscriptionError, SignalInvalidContent:
		a.logger.Error("broker signal", fields...)
	case SignalBlocked:
		a.logger.Warn("broker signal", fields...)
	default:
		a.logger.Info("broker signal", fields...)
	}

	for _, obs := range a.observers[n.Signal] {
		obs(n)
	}
}

func callHandler(ctx context.Context, h Handler, ev *events.CanonicalEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// recoverWith asks the strategy for recoveries. A panicking strategy nacks.
func recoverWith(strategy RetryStrategy, err error, subscription string, ev *events.CanonicalEvent) (out []Recovery) {
	defer func() {
		if r := recover(); r != nil {
			out = []Recovery{Nack()}
		}
	}()
	return strategy.Recover(err, subscription, ev)
}

func deliveryAttempts(headers amqp.Table) int {
	switch v := headers[AttemptsHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

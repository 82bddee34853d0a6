package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeConfirmation struct {
	ack bool
	err error
}

func (c fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	return c.ack, c.err
}

type publishedMessage struct {
	Exchange  string
	Key       string
	Mandatory bool
	Msg       amqp.Publishing
}

// fakeBroker records every call the adapter makes and hands out deliveries
// on request.
type fakeBroker struct {
	mu sync.Mutex

	dialErr    error
	publishErr error
	nackAll    bool

	dials     int
	conns     []*fakeConn
	exchanges []string
	queues    map[string]amqp.Table
	bindings  []string
	purged    []string
	published []publishedMessage
	qos       []int
	consumers map[string]*fakeConsumer
	cancelled []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:    make(map[string]amqp.Table),
		consumers: make(map[string]*fakeConsumer),
	}
}

func (b *fakeBroker) dial(uri string, cfg amqp.Config) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConn{b: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) publishedMessages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

func (b *fakeBroker) qosCalls() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.qos...)
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

// deliver pushes d to the consumer of queue, waiting for one to exist.
func (b *fakeBroker) deliver(t *testing.T, queue string, d amqp.Delivery) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		c := b.consumers[queue]
		b.mu.Unlock()
		if c != nil {
			select {
			case c.ch <- d:
				return
			case <-c.done:
			case <-time.After(time.Until(deadline)):
				t.Fatalf("timed out delivering to %s", queue)
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no consumer on %s", queue)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeConsumer struct {
	ch   chan amqp.Delivery
	done chan struct{}
	once sync.Once
}

func (c *fakeConsumer) stop() {
	c.once.Do(func() {
		close(c.done)
		close(c.ch)
	})
}

type fakeConn struct {
	b *fakeBroker

	mu       sync.Mutex
	closed   bool
	closeChs []chan *amqp.Error
}

func (c *fakeConn) Channel() (Channel, error) {
	if c.IsClosed() {
		return nil, amqp.ErrClosed
	}
	return &fakeChannel{b: c.b}, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChs = append(c.closeChs, receiver)
	return receiver
}

func (c *fakeConn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.closeChs {
		close(ch)
	}
	return nil
}

// drop simulates the broker closing the connection.
func (c *fakeConn) drop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.closeChs {
		ch <- &amqp.Error{Code: amqp.ConnectionForced, Reason: reason}
		close(ch)
	}
	c.closeChs = nil

	c.b.mu.Lock()
	for q, consumer := range c.b.consumers {
		consumer.stop()
		delete(c.b.consumers, q)
	}
	c.b.mu.Unlock()
}

type fakeChannel struct {
	b *fakeBroker
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.exchanges = append(c.b.exchanges, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.bindings = append(c.b.bindings, exchange+"->"+name+":"+key)
	return nil
}

func (c *fakeChannel) QueuePurge(name string, noWait bool) (int, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.purged = append(c.b.purged, name)
	return 0, nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.qos = append(c.b.qos, prefetchCount)
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error { return nil }

func (c *fakeChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return { return ch }

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error { return ch }

func (c *fakeChannel) Publish(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) (Confirmation, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.b.publishErr != nil {
		return nil, c.b.publishErr
	}
	c.b.published = append(c.b.published, publishedMessage{Exchange: exchange, Key: key, Mandatory: mandatory, Msg: msg})
	return fakeConfirmation{ack: !c.b.nackAll}, nil
}

func (c *fakeChannel) ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	fc := &fakeConsumer{ch: make(chan amqp.Delivery), done: make(chan struct{})}

	c.b.mu.Lock()
	c.b.consumers[queue] = fc
	c.b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			fc.stop()
		case <-fc.done:
		}
	}()
	return fc.ch, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.cancelled = append(c.b.cancelled, consumer)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

// fakeAcknowledger records how each delivery was settled.
type fakeAcknowledger struct {
	settled chan string
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: make(chan string, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.settled <- "ack"
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		a.settled <- "requeue"
	} else {
		a.settled <- "nack"
	}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-a.settled:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was never settled")
		return ""
	}
}

// assertSettledOnce fails when a second ack or nack follows.
func (a *fakeAcknowledger) assertSettledOnce(t *testing.T) {
	t.Helper()
	select {
	case s := <-a.settled:
		t.Fatalf("delivery settled twice, second outcome %q", s)
	case <-time.After(50 * time.Millisecond):
	}
}

var errDownstream = errors.New("downstream write failed")

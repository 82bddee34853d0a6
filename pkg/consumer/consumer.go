package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/0xmhha/chainrelay/pkg/broker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Subscriber is the part of the broker adapter a consumer needs.
type Subscriber interface {
	SubscribeWithContext(ctx context.Context, subscription string, handler broker.Handler, strategy broker.RetryStrategy) error
}

type registration struct {
	subscription string
	handler      broker.Handler
	strategy     broker.RetryStrategy
}

// ServiceConsumer binds handlers to the subscriptions of one service.
type ServiceConsumer struct {
	sub    Subscriber
	logger *zap.Logger

	mu            sync.Mutex
	registrations []registration
	started       bool
	active        []string
}

// New creates a consumer on top of sub.
func New(sub Subscriber, logger *zap.Logger) *ServiceConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceConsumer{
		sub:    sub,
		logger: logger.Named("consumer"),
	}
}

// Register adds a handler for a subscription. A nil strategy leaves the
// adapter default in place.
func (c *ServiceConsumer) Register(subscription string, handler broker.Handler, strategy broker.RetryStrategy) error {
	if handler == nil {
		return ErrNilHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	for _, r := range c.registrations {
		if r.subscription == subscription {
			return fmt.Errorf("%w: %s", ErrDuplicateRegistration, subscription)
		}
	}
	c.registrations = append(c.registrations, registration{
		subscription: subscription,
		handler:      handler,
		strategy:     strategy,
	})
	return nil
}

// Start subscribes every registration. Subscriptions outside the adapter's
// service scope are logged and skipped; any other failure aborts Start.
func (c *ServiceConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if len(c.registrations) == 0 {
		c.mu.Unlock()
		return ErrNoRegistrations
	}
	c.started = true
	regs := append([]registration(nil), c.registrations...)
	c.mu.Unlock()

	var (
		activeMu sync.Mutex
		active   []string
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range regs {
		r := r
		g.Go(func() error {
			err := c.sub.SubscribeWithContext(gctx, r.subscription, r.handler, r.strategy)
			switch {
			case err == nil:
				activeMu.Lock()
				active = append(active, r.subscription)
				activeMu.Unlock()
				c.logger.Info("subscribed", zap.String("subscription", r.subscription))
				return nil
			case errors.Is(err, broker.ErrUnknownSubscription):
				c.logger.Warn("skipping subscription outside service scope",
					zap.String("subscription", r.subscription),
					zap.Error(err))
				return nil
			default:
				return fmt.Errorf("subscribe %s: %w", r.subscription, err)
			}
		})
	}
	err := g.Wait()

	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
	return err
}

// Active returns the subscriptions Start attached.
func (c *ServiceConsumer) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.active...)
}

package shutdown

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/0xmhha/chainrelay/internal/constants"
	"go.uber.org/zap"
)

// Hook stops one component
type Hook func(ctx context.Context) error

// Shutdown priorities. Higher runs first.
const (
	PriorityListener = 100 // stop producing events
	PriorityConsumer = 90
	PriorityBroker   = 80 // drain in-flight deliveries and close the connection
	PriorityOps      = 50
	PriorityStorage  = 10 // progress and dedupe stores close last
)

type entry struct {
	name     string
	priority int
	hook     Hook
}

// Coordinator runs registered hooks in priority order.
type Coordinator struct {
	mu      sync.Mutex
	hooks   []entry
	logger  *zap.Logger
	timeout time.Duration
	done    bool
}

// New creates a coordinator bounding the whole shutdown by timeout.
func New(timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = constants.DefaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger:  logger.With(zap.String("component", "shutdown")),
		timeout: timeout,
	}
}

// Register adds a hook. Hooks with equal priority run in registration order.
func (c *Coordinator) Register(name string, priority int, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks = append(c.hooks, entry{name: name, priority: priority, hook: hook})
	sort.SliceStable(c.hooks, func(i, j int) bool {
		return c.hooks[i].priority > c.hooks[j].priority
	})
}

// Shutdown runs every hook once. A failing hook does not stop the ones
// after it; the deadline does.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	hooks := make([]entry, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Info("starting shutdown",
		zap.Int("components", len(hooks)),
		zap.Duration("timeout", c.timeout))

	var errs []error
	for i, e := range hooks {
		if err := e.hook(ctx); err != nil {
			c.logger.Error("component shutdown error", zap.String("name", e.name), zap.Error(err))
			errs = append(errs, err)
		} else {
			c.logger.Info("component shut down", zap.String("name", e.name))
		}

		if ctx.Err() != nil {
			c.logger.Warn("shutdown timeout reached", zap.Int("remaining", len(hooks)-i-1))
			errs = append(errs, ctx.Err())
			break
		}
	}

	return errors.Join(errs...)
}

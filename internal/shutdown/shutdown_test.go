package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoordinator_Order(t *testing.T) {
	c := New(time.Second, nil)
	var order []string
	record := func(name string) Hook {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	c.Register("progress", PriorityStorage, record("progress"))
	c.Register("broker", PriorityBroker, record("broker"))
	c.Register("listener", PriorityListener, record("listener"))
	c.Register("dedupe", PriorityStorage, record("dedupe"))
	c.Register("ops", PriorityOps, record("ops"))

	assert.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"listener", "broker", "ops", "progress", "dedupe"}, order)

	// second call is a no-op
	assert.NoError(t, c.Shutdown(context.Background()))
	assert.Len(t, order, 5)
}

func TestCoordinator_ErrorsDoNotStopLaterHooks(t *testing.T) {
	c := New(time.Second, nil)
	errBroker := errors.New("channel close failed")
	storeClosed := false

	c.Register("broker", PriorityBroker, func(context.Context) error { return errBroker })
	c.Register("store", PriorityStorage, func(context.Context) error {
		storeClosed = true
		return nil
	})

	err := c.Shutdown(context.Background())
	assert.ErrorIs(t, err, errBroker)
	assert.True(t, storeClosed)
}

func TestCoordinator_Timeout(t *testing.T) {
	c := New(20*time.Millisecond, nil)
	ran := false

	c.Register("slow", PriorityListener, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	c.Register("never", PriorityStorage, func(context.Context) error {
		ran = true
		return nil
	})

	err := c.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

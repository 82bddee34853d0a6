package consumer

import (
	"context"

	"github.com/0xmhha/chainrelay/pkg/broker"
	"github.com/0xmhha/chainrelay/pkg/events"
	"go.uber.org/zap"
)

// LogHandler logs every event it receives. Services without a downstream
// sink register it to drain their queue.
func LogHandler(logger *zap.Logger) broker.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, ev *events.CanonicalEvent) error {
		logger.Info("event received",
			zap.String("kind", string(ev.Kind)),
			zap.String("network", string(ev.Network)),
			zap.Uint64("block", ev.BlockNumber),
			zap.String("entity", ev.EntityID()),
			zap.String("tx_hash", ev.TxHash))
		return nil
	}
}

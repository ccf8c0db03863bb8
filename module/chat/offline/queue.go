package offline

import (
	"context"
	"time"

	"github.com/nexus-chat/realtime/logger"
	"github.com/nexus-chat/realtime/tools/errs"
)

// Store is the per-user FIFO the queue runs on. PushQueue appends to the
// tail and refreshes the retention expiry of the whole queue; DrainQueue
// atomically removes and returns everything, oldest first.
type Store interface {
	PushQueue(ctx context.Context, userID int64, payload []byte, retention time.Duration) error
	DrainQueue(ctx context.Context, userID int64) ([][]byte, error)
}

// Queue holds envelopes that could not be delivered synchronously.
// Retention is best effort: whatever is still queued when it lapses is
// gone, which is the documented guarantee for users offline longer than
// the window.
type Queue struct {
	store     Store
	retention time.Duration
}

func NewQueue(store Store, retention time.Duration) *Queue {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Queue{store: store, retention: retention}
}

// Enqueue appends payload to the user's queue and refreshes retention.
func (q *Queue) Enqueue(ctx context.Context, userID int64, payload []byte) error {
	if err := q.store.PushQueue(ctx, userID, payload, q.retention); err != nil {
		return errs.ErrDeliveryFailure.WrapMsg("enqueue offline", "user_id", userID, "err", err)
	}
	logger.Debug("[offline] queued envelope")
	return nil
}

// Drain removes and returns all queued envelopes in enqueue order,
// leaving the queue empty. There is no peek and no partial drain; the
// only consumer is the reconnect-triggered full flush.
func (q *Queue) Drain(ctx context.Context, userID int64) ([][]byte, error) {
	items, err := q.store.DrainQueue(ctx, userID)
	if err != nil {
		return nil, errs.WrapMsg(err, "drain offline", "user_id", userID)
	}
	if len(items) > 0 {
		logger.Infof("[offline] drained %d envelopes for user=%d", len(items), userID)
	}
	return items, nil
}

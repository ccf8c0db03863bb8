package seq

import (
	"context"

	"github.com/nexus-chat/realtime/tools/errs"
)

// Store is the coordination-store capability the generator needs: one
// atomic, serialized increment per chat counter.
type Store interface {
	NextSeq(ctx context.Context, chatID int64) (int64, error)
}

// Generator issues per-chat monotonically increasing sequence numbers.
// Every issued value is strictly greater than every previously issued
// value for the same chat, across all instances; the store's atomic
// increment carries the whole guarantee.
type Generator struct {
	store Store
}

func NewGenerator(store Store) *Generator {
	return &Generator{store: store}
}

// Next returns the next sequence number for chatID. There is no fallback:
// if the store is unreachable the send must be aborted, because a gap or
// collision in sequence numbers is worse than a rejected send.
func (g *Generator) Next(ctx context.Context, chatID int64) (int64, error) {
	n, err := g.store.NextSeq(ctx, chatID)
	if err != nil {
		return 0, errs.ErrDeliveryFailure.WrapMsg("sequence store unreachable", "chat_id", chatID, "err", err)
	}
	return n, nil
}

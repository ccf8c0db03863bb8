package ratelimit

import (
	"context"
	"time"

	"github.com/nexus-chat/realtime/logger"
)

// Class is an operation class with its own fixed-window budget.
type Class string

const (
	ClassMessageSend  Class = "message-send"
	ClassTyping       Class = "typing-indicator"
	ClassStatusUpdate Class = "status-update"
)

type Limit struct {
	Max    int64
	Window time.Duration
}

// DefaultLimits mirrors the production abuse budgets.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassMessageSend:  {Max: 30, Window: 10 * time.Second},
		ClassTyping:       {Max: 5, Window: 10 * time.Second},
		ClassStatusUpdate: {Max: 2, Window: 10 * time.Second},
	}
}

// Store increments the window counter for (class, user) and returns the
// post-increment count. The first increment of a window arms its expiry.
type Store interface {
	IncrWindow(ctx context.Context, class string, userID int64, window time.Duration) (int64, error)
}

// Limiter is a fixed-window counter per user and operation class. It can
// admit up to 2x the nominal rate straddling a window boundary, which is
// fine for abuse prevention and nothing stricter.
type Limiter struct {
	store  Store
	limits map[Class]Limit
}

func NewLimiter(store Store, limits map[Class]Limit) *Limiter {
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	return &Limiter{store: store, limits: limits}
}

// Allow reports whether userID may perform one more operation of class in
// the current window. If the store is unreachable it fails open: keeping
// messaging available beats strict enforcement.
func (l *Limiter) Allow(ctx context.Context, userID int64, class Class) bool {
	lim, ok := l.limits[class]
	if !ok {
		return true
	}
	n, err := l.store.IncrWindow(ctx, string(class), userID, lim.Window)
	if err != nil {
		logger.Warnf("[ratelimit] store unreachable, failing open: class=%s user=%d err=%v", class, userID, err)
		return true
	}
	if n > lim.Max {
		logger.Warnf("[ratelimit] rejected: class=%s user=%d count=%d limit=%d", class, userID, n, lim.Max)
		return false
	}
	return true
}

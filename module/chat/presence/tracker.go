package presence

import (
	"context"
	"time"

	"github.com/nexus-chat/realtime/logger"
	"github.com/nexus-chat/realtime/tools/errs"
)

// Store is the coordination-store surface presence runs on: a session set
// per user plus an expiring liveness key. A user is online iff the
// liveness key exists.
type Store interface {
	AddSession(ctx context.Context, userID int64, sessionID string) error
	// RemoveSession removes one session and returns how many remain.
	RemoveSession(ctx context.Context, userID int64, sessionID string) (int64, error)
	SetAlive(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error
	// RefreshAlive extends the liveness expiry; ok is false when the key
	// has already expired or never existed.
	RefreshAlive(ctx context.Context, userID int64, ttl time.Duration) (bool, error)
	ClearAlive(ctx context.Context, userID int64) error
	Alive(ctx context.Context, userID int64) (bool, error)
	AliveBatch(ctx context.Context, userIDs []int64) (map[int64]bool, error)
	SetTyping(ctx context.Context, chatID, userID int64, ttl time.Duration) error
}

// Tracker derives per-user liveness from heartbeat-refreshed TTL keys.
// Liveness is eventually accurate, never strictly real-time: a silently
// dropped connection stays "online" until its key expires.
type Tracker struct {
	store      Store
	instanceID string
	ttl        time.Duration
	typingTTL  time.Duration
}

func NewTracker(store Store, instanceID string, livenessTTL, typingTTL time.Duration) *Tracker {
	if livenessTTL <= 0 {
		livenessTTL = 90 * time.Second
	}
	if typingTTL <= 0 {
		typingTTL = 5 * time.Second
	}
	return &Tracker{store: store, instanceID: instanceID, ttl: livenessTTL, typingTTL: typingTTL}
}

// Connect registers sessionID for the user and arms the liveness key.
func (t *Tracker) Connect(ctx context.Context, userID int64, sessionID string) error {
	if err := t.store.AddSession(ctx, userID, sessionID); err != nil {
		return errs.WrapMsg(err, "add session", "user_id", userID, "session_id", sessionID)
	}
	if err := t.store.SetAlive(ctx, userID, t.instanceID, t.ttl); err != nil {
		return errs.WrapMsg(err, "set alive", "user_id", userID)
	}
	logger.Infof("[presence] connect user=%d session=%s instance=%s", userID, sessionID, t.instanceID)
	return nil
}

// Heartbeat extends the liveness window without touching the session set.
// A heartbeat for an already-expired key is not an error: liveness is
// eventually consistent, so we log and re-register.
func (t *Tracker) Heartbeat(ctx context.Context, userID int64) error {
	ok, err := t.store.RefreshAlive(ctx, userID, t.ttl)
	if err != nil {
		return errs.WrapMsg(err, "refresh alive", "user_id", userID)
	}
	if !ok {
		logger.Warnf("[presence] heartbeat for expired liveness, re-registering: user=%d", userID)
		return t.store.SetAlive(ctx, userID, t.instanceID, t.ttl)
	}
	return nil
}

// Disconnect drops one session. When it was the last one the liveness key
// is cleared immediately and true is returned, so the caller can fire any
// "went offline" notifications.
func (t *Tracker) Disconnect(ctx context.Context, userID int64, sessionID string) (bool, error) {
	remaining, err := t.store.RemoveSession(ctx, userID, sessionID)
	if err != nil {
		return false, errs.WrapMsg(err, "remove session", "user_id", userID, "session_id", sessionID)
	}
	if remaining > 0 {
		logger.Infof("[presence] session closed, %d still active: user=%d", remaining, userID)
		return false, nil
	}
	if err := t.store.ClearAlive(ctx, userID); err != nil {
		return false, errs.WrapMsg(err, "clear alive", "user_id", userID)
	}
	logger.Infof("[presence] last session closed, user fully offline: user=%d", userID)
	return true, nil
}

// IsOnline is true iff the liveness key has not expired.
func (t *Tracker) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return t.store.Alive(ctx, userID)
}

// BatchIsOnline is the list-rendering form of IsOnline.
func (t *Tracker) BatchIsOnline(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	if len(userIDs) == 0 {
		return map[int64]bool{}, nil
	}
	return t.store.AliveBatch(ctx, userIDs)
}

// SetTyping arms the self-expiring typing marker for (chat, user).
func (t *Tracker) SetTyping(ctx context.Context, chatID, userID int64) error {
	return t.store.SetTyping(ctx, chatID, userID, t.typingTTL)
}

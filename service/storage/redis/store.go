package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexus-chat/realtime/logger"
	"github.com/nexus-chat/realtime/tools/errs"
	"github.com/nexus-chat/realtime/tools/safe"
)

// Key shapes of the coordination plane. Informative, not a wire
// contract; only this package builds them.
const (
	prefixSeq              = "seq:"
	prefixPresence         = "presence:"
	prefixPresenceSessions = "presence:sessions:"
	keyPresenceOnline      = "presence:online"
	prefixOfflineQueue     = "offlinequeue:"
	prefixRateLimit        = "ratelimit:"
	prefixTyping           = "chat:typing:"
	prefixUnread           = "user:unread:"
)

func fmtID(id int64) string { return strconv.FormatInt(id, 10) }

// ---- seq.Store ----

// NextSeq is a bare INCR: the store serializes it, so concurrent callers
// across instances never collide.
func (s *Store) NextSeq(ctx context.Context, chatID int64) (int64, error) {
	n, err := s.rdb.Incr(ctx, prefixSeq+fmtID(chatID)).Result()
	return n, errs.Wrap(err)
}

// ---- ratelimit.Store ----

// IncrWindow bumps the fixed-window counter and arms its expiry on the
// first hit of a window. INCR and EXPIRE are two round-trips on purpose,
// matching the window counter's tolerance for the tiny gap.
func (s *Store) IncrWindow(ctx context.Context, class string, userID int64, window time.Duration) (int64, error) {
	key := prefixRateLimit + class + ":" + fmtID(userID)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, errs.Wrap(err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, errs.Wrap(err)
		}
	}
	return n, nil
}

// ---- presence.Store ----

func (s *Store) AddSession(ctx context.Context, userID int64, sessionID string) error {
	return errs.Wrap(s.rdb.SAdd(ctx, prefixPresenceSessions+fmtID(userID), sessionID).Err())
}

func (s *Store) RemoveSession(ctx context.Context, userID int64, sessionID string) (int64, error) {
	key := prefixPresenceSessions + fmtID(userID)
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, key, sessionID)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errs.Wrap(err)
	}
	return card.Val(), nil
}

func (s *Store) SetAlive(ctx context.Context, userID int64, instanceID string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, prefixPresence+fmtID(userID), instanceID, ttl)
	pipe.SAdd(ctx, keyPresenceOnline, fmtID(userID))
	_, err := pipe.Exec(ctx)
	return errs.Wrap(err)
}

func (s *Store) RefreshAlive(ctx context.Context, userID int64, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.Expire(ctx, prefixPresence+fmtID(userID), ttl).Result()
	return ok, errs.Wrap(err)
}

func (s *Store) ClearAlive(ctx context.Context, userID int64) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, prefixPresence+fmtID(userID))
	pipe.SRem(ctx, keyPresenceOnline, fmtID(userID))
	_, err := pipe.Exec(ctx)
	return errs.Wrap(err)
}

func (s *Store) Alive(ctx context.Context, userID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, prefixPresence+fmtID(userID)).Result()
	return n > 0, errs.Wrap(err)
}

// AliveBatch pipelines one EXISTS per user; the online set is only a
// best-effort mirror, the liveness keys are authoritative.
func (s *Store) AliveBatch(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	pipe := s.rdb.Pipeline()
	cmds := make(map[int64]*redis.IntCmd, len(userIDs))
	for _, uid := range userIDs {
		cmds[uid] = pipe.Exists(ctx, prefixPresence+fmtID(uid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errs.Wrap(err)
	}
	out := make(map[int64]bool, len(userIDs))
	for uid, cmd := range cmds {
		out[uid] = cmd.Val() > 0
	}
	return out, nil
}

func (s *Store) SetTyping(ctx context.Context, chatID, userID int64, ttl time.Duration) error {
	key := prefixTyping + fmtID(chatID) + ":" + fmtID(userID)
	return errs.Wrap(s.rdb.Set(ctx, key, "1", ttl).Err())
}

// ---- offline.Store ----

// drainScript atomically reads the whole queue and deletes it, so a
// concurrent enqueue can never be lost between the read and the delete.
var drainScript = redis.NewScript(`
  local items = redis.call('LRANGE', KEYS[1], 0, -1)
  if #items > 0 then
    redis.call('DEL', KEYS[1])
  end
  return items
`)

func (s *Store) PushQueue(ctx context.Context, userID int64, payload []byte, retention time.Duration) error {
	key := prefixOfflineQueue + fmtID(userID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, retention)
	_, err := pipe.Exec(ctx)
	return errs.Wrap(err)
}

func (s *Store) DrainQueue(ctx context.Context, userID int64) ([][]byte, error) {
	res, err := drainScript.Run(ctx, s.rdb, []string{prefixOfflineQueue + fmtID(userID)}).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	arr, ok := res.([]interface{})
	if !ok {
		return nil, errs.New("unexpected drain result %T", res)
	}
	out := make([][]byte, 0, len(arr))
	for _, v := range arr {
		str, ok := v.(string)
		if !ok {
			return nil, errs.New("unexpected drain item %T", v)
		}
		out = append(out, []byte(str))
	}
	return out, nil
}

// ---- dispatch.CounterStore ----

func (s *Store) IncrUnread(ctx context.Context, userID, chatID int64) error {
	return errs.Wrap(s.rdb.Incr(ctx, prefixUnread+fmtID(userID)+":"+fmtID(chatID)).Err())
}

func (s *Store) ResetUnread(ctx context.Context, userID, chatID int64) error {
	return errs.Wrap(s.rdb.Del(ctx, prefixUnread+fmtID(userID)+":"+fmtID(chatID)).Err())
}

func (s *Store) GetUnread(ctx context.Context, userID, chatID int64) (int64, error) {
	v, err := s.rdb.Get(ctx, prefixUnread+fmtID(userID)+":"+fmtID(chatID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, errs.Wrap(err)
}

// ---- relay.Bus ----

// Publish broadcasts payload to every subscribed instance.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return errs.Wrap(s.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe pumps the Pub/Sub channel into h until the returned
// unsubscribe func is called.
func (s *Store) Subscribe(channel string, h func(payload []byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		return nil, errs.WrapMsg(err, "subscribe", "channel", channel)
	}

	ch := ps.Channel()
	safe.Go("redis-subscribe:"+channel, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logger.Infof("[redis] pubsub channel closed: %s", channel)
					return
				}
				h([]byte(msg.Payload))
			}
		}
	})

	return func() {
		cancel()
		if err := ps.Close(); err != nil {
			logger.Warnf("[redis] pubsub close: %v", err)
		}
	}, nil
}

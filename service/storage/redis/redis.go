package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexus-chat/realtime/tools/errs"
)

// Config for the coordination-store client.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store implements every coordination capability of the core (sequence,
// rate-limit windows, presence, offline queues, unread counters and the
// broadcast bus) over a single go-redis client. Constructed and injected
// explicitly; there is no package-level singleton.
type Store struct {
	rdb *redis.Client
}

// New connects and pings the store.
func New(c Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errs.WrapMsg(err, "redis ping", "addr", c.Addr)
	}
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client (tests, cluster setups).
func NewFromClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Close() error { return s.rdb.Close() }

// Package natsx adapts a core NATS connection to the relay's broadcast
// bus. Deployments that already run NATS for the rest of the platform can
// point the relay here instead of Redis Pub/Sub.
package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nexus-chat/realtime/tools/errs"
)

type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Bus struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

func New(cfg Config) (*Bus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return &Bus{nc: nc}, nil
}

// Publish is fire-and-forget core NATS; the relay's at-least-once story
// rests on the offline queue, not on broker persistence.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	return errs.Wrap(b.nc.Publish(channel, payload))
}

func (b *Bus) Subscribe(channel string, h func(payload []byte)) (func(), error) {
	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) {
		h(append([]byte(nil), m.Data...))
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "nats subscribe", "channel", channel)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() { _ = sub.Drain() }, nil
}

// Close drains every subscription and the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.nc.Drain()
}

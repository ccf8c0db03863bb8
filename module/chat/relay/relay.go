package relay

import (
	"context"
	"encoding/json"

	"github.com/nexus-chat/realtime/logger"
	"github.com/nexus-chat/realtime/tools/errs"
)

// Bus is the shared broadcast primitive: every instance publishes to, and
// subscribes on, one channel. Implementations: Redis Pub/Sub and NATS.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers h for every payload published on channel (by any
	// instance, this one included) and returns an unsubscribe func.
	Subscribe(channel string, h func(payload []byte)) (func(), error)
}

// LocalRegistry is the instance-local connection registry the relay
// filters against.
type LocalRegistry interface {
	HasUser(userID int64) bool
	// SendLocal writes payload to every local session of the user.
	SendLocal(userID int64, destination string, payload []byte) error
}

// Envelope is the ephemeral cross-instance wrapper. It lives only on the
// broadcast channel and is never persisted.
type Envelope struct {
	OriginInstanceID string          `json:"origin_instance_id"`
	TargetUserID     int64           `json:"target_user_id"`
	Destination      string          `json:"destination"`
	Payload          json.RawMessage `json:"payload"`
}

// Relay fans envelopes out across instances without a session-location
// directory: local sessions are served directly, everything else is
// broadcast and filtered by each instance against its own registry. Every
// instance sees every cross-instance envelope, which trades chattiness
// for not having sticky sessions; fine at moderate instance counts.
type Relay struct {
	instanceID string
	channel    string
	bus        Bus
	registry   LocalRegistry
	unsub      func()
}

func New(instanceID, channel string, bus Bus, registry LocalRegistry) *Relay {
	if channel == "" {
		channel = "ws:broadcast"
	}
	return &Relay{instanceID: instanceID, channel: channel, bus: bus, registry: registry}
}

func (r *Relay) InstanceID() string { return r.instanceID }

// Start subscribes this instance to the broadcast channel.
func (r *Relay) Start() error {
	unsub, err := r.bus.Subscribe(r.channel, r.onBroadcast)
	if err != nil {
		return errs.WrapMsg(err, "subscribe broadcast", "channel", r.channel)
	}
	r.unsub = unsub
	logger.Infof("[relay] instance %s subscribed to %s", r.instanceID, r.channel)
	return nil
}

func (r *Relay) Close() {
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
}

// SendToUser delivers payload to the target's sessions: directly when the
// user is connected to this instance, otherwise by broadcasting a tagged
// envelope for whichever instance holds the sessions. A broadcast nobody
// picks up is dropped; the dispatcher routes the offline case to the
// offline queue before ever calling here.
func (r *Relay) SendToUser(ctx context.Context, targetUserID int64, destination string, payload []byte) error {
	if r.registry.HasUser(targetUserID) {
		if err := r.registry.SendLocal(targetUserID, destination, payload); err != nil {
			return errs.WrapMsg(err, "local deliver", "user_id", targetUserID)
		}
		return nil
	}

	env := Envelope{
		OriginInstanceID: r.instanceID,
		TargetUserID:     targetUserID,
		Destination:      destination,
		Payload:          payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return errs.WrapMsg(err, "marshal relay envelope")
	}
	if err := r.bus.Publish(ctx, r.channel, raw); err != nil {
		return errs.ErrDeliveryFailure.WrapMsg("publish relay envelope", "user_id", targetUserID, "err", err)
	}
	return nil
}

// onBroadcast handles every envelope published on the shared channel,
// including this instance's own, which it skips by origin tag.
func (r *Relay) onBroadcast(raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[relay] panic in broadcast handler: %v", rec)
		}
	}()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Errorf("[relay] bad envelope on %s: %v", r.channel, err)
		return
	}
	if env.OriginInstanceID == r.instanceID {
		return // already handled locally on the origin
	}
	if !r.registry.HasUser(env.TargetUserID) {
		return // not connected here; some other instance has them, or nobody does
	}
	if err := r.registry.SendLocal(env.TargetUserID, env.Destination, env.Payload); err != nil {
		logger.Errorf("[relay] relayed deliver failed: user=%d err=%v", env.TargetUserID, err)
	}
}

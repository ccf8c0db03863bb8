package dispatch

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/nexus-chat/realtime/logger"
	"github.com/nexus-chat/realtime/module/chat/message"
	"github.com/nexus-chat/realtime/module/chat/offline"
	"github.com/nexus-chat/realtime/module/chat/presence"
	"github.com/nexus-chat/realtime/module/chat/ratelimit"
	"github.com/nexus-chat/realtime/module/chat/relay"
	"github.com/nexus-chat/realtime/module/chat/seq"
	"github.com/nexus-chat/realtime/tools/errs"
	"github.com/nexus-chat/realtime/tools/ids"
	"github.com/nexus-chat/realtime/wire"
)

// MessageStore is the external persistence collaborator. Insert must
// surface a unique-(sender, dedup_key) violation as
// message.ErrDuplicateDedupKey.
type MessageStore interface {
	Insert(ctx context.Context, m *message.Message) error
	ExistsByDedupKey(ctx context.Context, senderID int64, dedupKey string) (bool, error)
	MarkRead(ctx context.Context, messageID, userID int64) error
	MarkChatRead(ctx context.Context, chatID, userID int64) error
}

// MembershipStore reads chat membership maintained by the CRUD layer.
type MembershipStore interface {
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	MemberIDs(ctx context.Context, chatID int64) ([]int64, error)
}

// CounterStore keeps the per-(user, chat) unread counters.
type CounterStore interface {
	IncrUnread(ctx context.Context, userID, chatID int64) error
	ResetUnread(ctx context.Context, userID, chatID int64) error
}

// Dispatcher orchestrates an inbound send through
// validate -> dedup -> sequence -> persist -> ack -> fan out.
// The multi-step flow is not transactional; the step order keeps the
// failure windows safe (nothing reaches a recipient before persistence).
type Dispatcher struct {
	seq      *seq.Generator
	limiter  *ratelimit.Limiter
	presence *presence.Tracker
	queue    *offline.Queue
	relay    *relay.Relay
	msgs     MessageStore
	members  MembershipStore
	counters CounterStore
	now      func() time.Time
}

type Options struct {
	Seq      *seq.Generator
	Limiter  *ratelimit.Limiter
	Presence *presence.Tracker
	Queue    *offline.Queue
	Relay    *relay.Relay
	Messages MessageStore
	Members  MembershipStore
	Counters CounterStore
	Clock    func() time.Time
}

func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		seq:      opts.Seq,
		limiter:  opts.Limiter,
		presence: opts.Presence,
		queue:    opts.Queue,
		relay:    opts.Relay,
		msgs:     opts.Messages,
		members:  opts.Members,
		counters: opts.Counters,
		now:      opts.Clock,
	}
}

// SendRequest is one inbound send, as decoded from the client frame.
type SendRequest struct {
	ChatID      int64
	SenderID    int64
	Content     string
	MessageType wire.MessageType
	FileURL     string
	DedupKey    string
}

// SendMessage runs the full dispatch state machine. Every rejection or
// abort is also pushed to the sender as a MESSAGE_DELIVERY_FAILED
// envelope so the client can retry with the same dedup key; the error
// return carries the same code for the transport layer.
func (d *Dispatcher) SendMessage(ctx context.Context, req SendRequest) (*message.Message, error) {
	m, err := d.sendMessage(ctx, req)
	if err != nil {
		d.reportFailure(ctx, req, err)
		return nil, err
	}
	return m, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, req SendRequest) (*message.Message, error) {
	// 1. Validate, then strip any markup before the content is persisted
	// or fanned out.
	if err := validate(req); err != nil {
		return nil, err
	}
	req.Content = sanitizer.Sanitize(req.Content)
	if req.Content == "" && req.FileURL == "" {
		return nil, errs.ErrValidation.WrapMsg("empty message after sanitization")
	}
	if !d.limiter.Allow(ctx, req.SenderID, ratelimit.ClassMessageSend) {
		return nil, errs.ErrRateLimitExceeded.WrapMsg("message-send", "sender_id", req.SenderID)
	}
	ok, err := d.members.IsMember(ctx, req.ChatID, req.SenderID)
	if err != nil {
		return nil, errs.ErrDeliveryFailure.WrapMsg("membership lookup", "chat_id", req.ChatID, "err", err)
	}
	if !ok {
		return nil, errs.ErrNotChatMember.WrapMsg("", "chat_id", req.ChatID, "sender_id", req.SenderID)
	}

	// 2. Deduplicate (fast path; the storage unique index is the net).
	if req.DedupKey != "" {
		exists, err := d.msgs.ExistsByDedupKey(ctx, req.SenderID, req.DedupKey)
		if err != nil {
			return nil, errs.ErrDeliveryFailure.WrapMsg("dedup pre-check", "err", err)
		}
		if exists {
			return nil, errs.ErrDuplicateMessage.WrapMsg("", "dedup_key", req.DedupKey)
		}
	}

	// 3. Sequence. A store failure aborts before anything is persisted.
	seqNo, err := d.seq.Next(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}

	// 4. Persist. An unsequenced message must never reach recipients, so
	// fan-out strictly follows a successful insert.
	m := &message.Message{
		ID:          ids.Generate(),
		ChatID:      req.ChatID,
		SenderID:    req.SenderID,
		Content:     req.Content,
		MessageType: req.MessageType,
		FileURL:     req.FileURL,
		DedupKey:    req.DedupKey,
		Seq:         seqNo,
		CreatedAt:   d.now(),
	}
	if err := d.msgs.Insert(ctx, m); err != nil {
		if errors.Is(err, message.ErrDuplicateDedupKey) {
			// Lost the dedup race after passing the pre-check.
			return nil, errs.ErrDuplicateMessage.WrapMsg("insert rejected", "dedup_key", req.DedupKey)
		}
		return nil, errs.ErrDeliveryFailure.WrapMsg("persist", "chat_id", req.ChatID, "err", err)
	}

	// 5. Ack the sender first, through the relay: the accepting instance
	// is not necessarily the one holding the sender's session.
	d.push(ctx, req.SenderID, wire.EnvelopeMessageAck, wire.MessageAck{
		DedupKey:        req.DedupKey,
		ServerMessageID: m.ID,
		ChatID:          m.ChatID,
		SequenceNumber:  m.Seq,
	})

	// 6. Fan out to the other members. Each recipient is independent: one
	// failed enqueue never rolls back the others or the ack.
	d.fanOut(ctx, m)
	return m, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, m *message.Message) {
	memberIDs, err := d.members.MemberIDs(ctx, m.ChatID)
	if err != nil {
		logger.Errorf("[dispatch] member list failed, fan-out skipped: chat=%d err=%v", m.ChatID, err)
		return
	}

	env, err := wire.NewEnvelope(wire.EnvelopeChatMessage, m)
	if err != nil {
		logger.Errorf("[dispatch] marshal chat message: %v", err)
		return
	}
	payload, err := env.Marshal()
	if err != nil {
		logger.Errorf("[dispatch] marshal envelope: %v", err)
		return
	}

	for _, uid := range memberIDs {
		if uid == m.SenderID {
			continue
		}
		if err := d.counters.IncrUnread(ctx, uid, m.ChatID); err != nil {
			logger.Warnf("[dispatch] unread incr failed: user=%d chat=%d err=%v", uid, m.ChatID, err)
		}
		online, err := d.presence.IsOnline(ctx, uid)
		if err != nil {
			logger.Errorf("[dispatch] presence check failed, queueing: user=%d err=%v", uid, err)
			online = false
		}
		if online {
			if err := d.relay.SendToUser(ctx, uid, wire.UserDestination(uid), payload); err != nil {
				logger.Errorf("[dispatch] relay failed: user=%d err=%v", uid, err)
			}
			continue
		}
		if err := d.queue.Enqueue(ctx, uid, payload); err != nil {
			logger.Errorf("[dispatch] offline enqueue failed: user=%d err=%v", uid, err)
		}
	}
}

// Typing fans a typing indicator out to the other chat members. Typing is
// ephemeral: it is never queued for offline users.
func (d *Dispatcher) Typing(ctx context.Context, chatID, userID int64, isTyping bool) error {
	if !d.limiter.Allow(ctx, userID, ratelimit.ClassTyping) {
		return errs.ErrRateLimitExceeded.WrapMsg("typing-indicator", "user_id", userID)
	}
	if isTyping {
		if err := d.presence.SetTyping(ctx, chatID, userID); err != nil {
			logger.Warnf("[dispatch] typing marker failed: chat=%d user=%d err=%v", chatID, userID, err)
		}
	}
	memberIDs, err := d.members.MemberIDs(ctx, chatID)
	if err != nil {
		return errs.WrapMsg(err, "member list", "chat_id", chatID)
	}
	for _, uid := range memberIDs {
		if uid == userID {
			continue
		}
		online, err := d.presence.IsOnline(ctx, uid)
		if err != nil || !online {
			continue
		}
		d.push(ctx, uid, wire.EnvelopeTyping, wire.Typing{ChatID: chatID, UserID: userID, IsTyping: isTyping})
	}
	return nil
}

// MarkRead persists a read receipt and notifies the other members.
func (d *Dispatcher) MarkRead(ctx context.Context, chatID, userID, messageID int64) error {
	if err := d.msgs.MarkRead(ctx, messageID, userID); err != nil {
		return err
	}
	memberIDs, err := d.members.MemberIDs(ctx, chatID)
	if err != nil {
		return errs.WrapMsg(err, "member list", "chat_id", chatID)
	}
	for _, uid := range memberIDs {
		if uid == userID {
			continue
		}
		d.push(ctx, uid, wire.EnvelopeMessageRead, wire.MessageRead{ChatID: chatID, UserID: userID, MessageID: messageID})
	}
	return nil
}

// MarkChatRead bulk-marks a chat read and resets the unread counter.
func (d *Dispatcher) MarkChatRead(ctx context.Context, chatID, userID int64) error {
	if err := d.msgs.MarkChatRead(ctx, chatID, userID); err != nil {
		return err
	}
	return d.counters.ResetUnread(ctx, userID, chatID)
}

// Connected registers the session with presence and flushes the user's
// offline queue back through the relay, oldest first, before any new
// live message can reach them.
func (d *Dispatcher) Connected(ctx context.Context, userID int64, sessionID string) error {
	if err := d.presence.Connect(ctx, userID, sessionID); err != nil {
		return err
	}
	queued, err := d.queue.Drain(ctx, userID)
	if err != nil {
		logger.Errorf("[dispatch] offline drain failed: user=%d err=%v", userID, err)
		return nil
	}
	dest := wire.UserDestination(userID)
	for _, payload := range queued {
		if err := d.relay.SendToUser(ctx, userID, dest, payload); err != nil {
			logger.Errorf("[dispatch] queued deliver failed: user=%d err=%v", userID, err)
		}
	}
	return nil
}

// Disconnected removes the session; the returned flag is true when this
// was the user's last session anywhere on this presence record.
func (d *Dispatcher) Disconnected(ctx context.Context, userID int64, sessionID string) (bool, error) {
	return d.presence.Disconnect(ctx, userID, sessionID)
}

// Heartbeat extends the user's liveness window.
func (d *Dispatcher) Heartbeat(ctx context.Context, userID int64) error {
	return d.presence.Heartbeat(ctx, userID)
}

// BroadcastStatus pushes a PRESENCE change to the given contacts. The
// contact graph lives outside the core, so callers supply it.
func (d *Dispatcher) BroadcastStatus(ctx context.Context, userID int64, online bool, contactIDs []int64) error {
	if !d.limiter.Allow(ctx, userID, ratelimit.ClassStatusUpdate) {
		return errs.ErrRateLimitExceeded.WrapMsg("status-update", "user_id", userID)
	}
	for _, uid := range contactIDs {
		alive, err := d.presence.IsOnline(ctx, uid)
		if err != nil || !alive {
			continue
		}
		d.push(ctx, uid, wire.EnvelopePresence, wire.PresenceChange{UserID: userID, Online: online})
	}
	return nil
}

// push marshals and relays one envelope; failures are logged, never
// propagated, since envelope pushes ride on best-effort delivery.
func (d *Dispatcher) push(ctx context.Context, userID int64, t wire.EnvelopeType, payload any) {
	env, err := wire.NewEnvelope(t, payload)
	if err != nil {
		logger.Errorf("[dispatch] marshal %s: %v", t, err)
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		logger.Errorf("[dispatch] marshal %s: %v", t, err)
		return
	}
	if err := d.relay.SendToUser(ctx, userID, wire.UserDestination(userID), raw); err != nil {
		logger.Errorf("[dispatch] push %s failed: user=%d err=%v", t, userID, err)
	}
}

func (d *Dispatcher) reportFailure(ctx context.Context, req SendRequest, cause error) {
	logger.Warnf("[dispatch] send rejected: chat=%d sender=%d err=%v", req.ChatID, req.SenderID, cause)
	if req.SenderID <= 0 {
		// No addressable sender; a push would just broadcast to nobody.
		return
	}
	d.push(ctx, req.SenderID, wire.EnvelopeDeliveryFailed, wire.DeliveryFailed{
		ChatID:   req.ChatID,
		DedupKey: req.DedupKey,
		Code:     errs.Code(cause),
		Error:    cause.Error(),
	})
}

// sanitizer strips all HTML from user content; only text survives.
var sanitizer = bluemonday.StrictPolicy()

func validate(req SendRequest) error {
	if req.ChatID <= 0 || req.SenderID <= 0 {
		return errs.ErrValidation.WrapMsg("missing chat or sender id")
	}
	if !req.MessageType.Valid() {
		return errs.ErrValidation.WrapMsg("unknown message type", "message_type", req.MessageType)
	}
	if req.Content == "" && req.FileURL == "" {
		return errs.ErrValidation.WrapMsg("empty message")
	}
	// Limits are in characters, not bytes; multibyte text counts per rune.
	if n := utf8.RuneCountInString(req.Content); n > wire.MaxContentLen {
		return errs.ErrValidation.WrapMsg("content too long", "len", n)
	}
	if n := utf8.RuneCountInString(req.FileURL); n > wire.MaxFileURLLen {
		return errs.ErrValidation.WrapMsg("file url too long", "len", n)
	}
	return nil
}

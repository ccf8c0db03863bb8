package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-chat/realtime/module/chat/message"
	"github.com/nexus-chat/realtime/module/chat/offline"
	"github.com/nexus-chat/realtime/module/chat/presence"
	"github.com/nexus-chat/realtime/module/chat/ratelimit"
	"github.com/nexus-chat/realtime/module/chat/relay"
	"github.com/nexus-chat/realtime/module/chat/seq"
	"github.com/nexus-chat/realtime/service/storage/memory"
	"github.com/nexus-chat/realtime/tools/errs"
	"github.com/nexus-chat/realtime/wire"
)

// fakeDB is the in-memory MessageStore + MembershipStore double.
type fakeDB struct {
	mu      sync.Mutex
	msgs    []*message.Message
	dedup   map[string]bool
	members map[int64][]int64
	read    map[int64][]int64 // messageID -> readers

	// loseInsertRace simulates a concurrent duplicate landing between the
	// pre-check and the insert: Exists says no, the unique index says yes.
	loseInsertRace bool
}

func newFakeDB(members map[int64][]int64) *fakeDB {
	return &fakeDB{
		dedup:   make(map[string]bool),
		members: members,
		read:    make(map[int64][]int64),
	}
}

func dedupID(senderID int64, key string) string {
	return strconv.FormatInt(senderID, 10) + ":" + key
}

func (db *fakeDB) Insert(_ context.Context, m *message.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m.DedupKey != "" {
		if db.loseInsertRace || db.dedup[dedupID(m.SenderID, m.DedupKey)] {
			return message.ErrDuplicateDedupKey
		}
		db.dedup[dedupID(m.SenderID, m.DedupKey)] = true
	}
	cp := *m
	db.msgs = append(db.msgs, &cp)
	return nil
}

func (db *fakeDB) ExistsByDedupKey(_ context.Context, senderID int64, key string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.dedup[dedupID(senderID, key)], nil
}

func (db *fakeDB) MarkRead(_ context.Context, messageID, userID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.read[messageID] = append(db.read[messageID], userID)
	return nil
}

func (db *fakeDB) MarkChatRead(context.Context, int64, int64) error { return nil }

func (db *fakeDB) IsMember(_ context.Context, chatID, userID int64) (bool, error) {
	for _, uid := range db.members[chatID] {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

func (db *fakeDB) MemberIDs(_ context.Context, chatID int64) ([]int64, error) {
	return db.members[chatID], nil
}

// recorder stands in for an instance's connection manager.
type recorder struct {
	mu    sync.Mutex
	users map[int64]bool
	sent  map[int64][][]byte
}

func newRecorder() *recorder {
	return &recorder{users: make(map[int64]bool), sent: make(map[int64][][]byte)}
}

func (r *recorder) attach(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = true
}

func (r *recorder) HasUser(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID]
}

func (r *recorder) SendLocal(userID int64, _ string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.users[userID] {
		return errs.New("no local session for user %d", userID)
	}
	r.sent[userID] = append(r.sent[userID], append([]byte(nil), payload...))
	return nil
}

func (r *recorder) envelopes(t *testing.T, userID int64) []*wire.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*wire.Envelope, 0, len(r.sent[userID]))
	for _, raw := range r.sent[userID] {
		env, err := wire.ParseEnvelope(raw)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// instance wires one full dispatcher on shared store and db, the way
// main.go does, minus the sockets.
type instance struct {
	disp *Dispatcher
	reg  *recorder
}

func newInstance(t *testing.T, id string, store *memory.Store, db *fakeDB) *instance {
	t.Helper()
	reg := newRecorder()
	r := relay.New(id, "", store, reg)
	require.NoError(t, r.Start())
	t.Cleanup(r.Close)

	disp := New(Options{
		Seq:      seq.NewGenerator(store),
		Limiter:  ratelimit.NewLimiter(store, ratelimit.DefaultLimits()),
		Presence: presence.NewTracker(store, id, 0, 0),
		Queue:    offline.NewQueue(store, 0),
		Relay:    r,
		Messages: db,
		Members:  db,
		Counters: store,
	})
	return &instance{disp: disp, reg: reg}
}

// connect registers the user on this instance: local registry plus the
// shared presence record, with the offline drain that reconnect implies.
func (i *instance) connect(t *testing.T, userID int64, sessionID string) {
	t.Helper()
	i.reg.attach(userID)
	require.NoError(t, i.disp.Connected(context.Background(), userID, sessionID))
}

func send(t *testing.T, d *Dispatcher, chatID, senderID int64, content, dedupKey string) *message.Message {
	t.Helper()
	m, err := d.SendMessage(context.Background(), SendRequest{
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		MessageType: wire.MessageTypeText,
		DedupKey:    dedupKey,
	})
	require.NoError(t, err)
	return m
}

func TestSendDeliversAcrossInstances(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)
	i2 := newInstance(t, "i2", store, db)

	i1.connect(t, 1, "s1")
	i2.connect(t, 2, "s2")

	m := send(t, i1.disp, 10, 1, "hello", "k1")
	require.Equal(t, int64(1), m.Seq)

	// Sender got the ack on its own instance.
	acks := i1.reg.envelopes(t, 1)
	require.Len(t, acks, 1)
	require.Equal(t, wire.EnvelopeMessageAck, acks[0].Type)
	var ack wire.MessageAck
	require.NoError(t, json.Unmarshal(acks[0].Data, &ack))
	require.Equal(t, wire.MessageAck{
		DedupKey:        "k1",
		ServerMessageID: m.ID,
		ChatID:          10,
		SequenceNumber:  1,
	}, ack)

	// Recipient got the message via the broadcast bus on the other instance.
	got := i2.reg.envelopes(t, 2)
	require.Len(t, got, 1)
	require.Equal(t, wire.EnvelopeChatMessage, got[0].Type)
	var delivered message.Message
	require.NoError(t, json.Unmarshal(got[0].Data, &delivered))
	require.Equal(t, "hello", delivered.Content)
	require.Equal(t, int64(1), delivered.Seq)

	require.Equal(t, int64(1), store.GetUnread(2, 10))
	require.Equal(t, int64(0), store.GetUnread(1, 10), "sender never counts their own message")
}

func TestOfflineRecipientDrainsOnReconnect(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)
	i2 := newInstance(t, "i2", store, db)

	i1.connect(t, 1, "s1")

	send(t, i1.disp, 10, 1, "first", "k1")
	send(t, i1.disp, 10, 1, "second", "k2")
	require.Empty(t, i2.reg.envelopes(t, 2))

	i2.connect(t, 2, "s2")

	got := i2.reg.envelopes(t, 2)
	require.Len(t, got, 2)
	var a, b message.Message
	require.NoError(t, json.Unmarshal(got[0].Data, &a))
	require.NoError(t, json.Unmarshal(got[1].Data, &b))
	require.Equal(t, []string{"first", "second"}, []string{a.Content, b.Content}, "queue drains oldest first")
	require.Equal(t, []int64{1, 2}, []int64{a.Seq, b.Seq})

	// Nothing left for a second reconnect.
	require.NoError(t, i2.disp.Connected(context.Background(), 2, "s2b"))
	require.Len(t, i2.reg.envelopes(t, 2), 2)
}

func TestDuplicateDedupKeyRejected(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 1, "s1")

	send(t, i1.disp, 10, 1, "hello", "k1")

	_, err := i1.disp.SendMessage(context.Background(), SendRequest{
		ChatID: 10, SenderID: 1, Content: "hello again",
		MessageType: wire.MessageTypeText, DedupKey: "k1",
	})
	require.Error(t, err)
	require.Equal(t, errs.DuplicateMessageCode, errs.Code(err))
	require.Len(t, db.msgs, 1, "retry persisted nothing")

	// Rejection also reached the sender as a failure envelope.
	envs := i1.reg.envelopes(t, 1)
	last := envs[len(envs)-1]
	require.Equal(t, wire.EnvelopeDeliveryFailed, last.Type)
	var df wire.DeliveryFailed
	require.NoError(t, json.Unmarshal(last.Data, &df))
	require.Equal(t, errs.DuplicateMessageCode, df.Code)
	require.Equal(t, "k1", df.DedupKey)

	// The rejected retry consumed no sequence number.
	m := send(t, i1.disp, 10, 1, "next", "k2")
	require.Equal(t, int64(2), m.Seq)
}

func TestDedupRaceLostAtInsert(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	db.loseInsertRace = true
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 1, "s1")

	_, err := i1.disp.SendMessage(context.Background(), SendRequest{
		ChatID: 10, SenderID: 1, Content: "hello",
		MessageType: wire.MessageTypeText, DedupKey: "k1",
	})
	require.Error(t, err)
	require.Equal(t, errs.DuplicateMessageCode, errs.Code(err))
	require.Empty(t, db.msgs)
}

func TestSendRateLimit(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 1, "s1")

	for n := 0; n < 30; n++ {
		send(t, i1.disp, 10, 1, "msg", "")
	}
	_, err := i1.disp.SendMessage(context.Background(), SendRequest{
		ChatID: 10, SenderID: 1, Content: "one too many", MessageType: wire.MessageTypeText,
	})
	require.Error(t, err)
	require.Equal(t, errs.RateLimitExceededCode, errs.Code(err))
	require.Len(t, db.msgs, 30)
}

func TestSendValidation(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)

	cases := []struct {
		name string
		req  SendRequest
		code int
	}{
		{"empty body", SendRequest{ChatID: 10, SenderID: 1, MessageType: wire.MessageTypeText}, errs.ValidationErrorCode},
		{"unknown type", SendRequest{ChatID: 10, SenderID: 1, Content: "x", MessageType: "gif"}, errs.ValidationErrorCode},
		{"missing ids", SendRequest{Content: "x", MessageType: wire.MessageTypeText}, errs.ValidationErrorCode},
		{"not a member", SendRequest{ChatID: 10, SenderID: 7, Content: "x", MessageType: wire.MessageTypeText}, errs.NotChatMemberCode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := i1.disp.SendMessage(context.Background(), tc.req)
			require.Error(t, err)
			require.Equal(t, tc.code, errs.Code(err))
		})
	}
	require.Empty(t, db.msgs)
}

func TestContentLimitCountsRunes(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 1, "s1")

	// 3000 CJK characters are 9000 bytes; the limit is per character.
	content := strings.Repeat("消", 3000)
	m := send(t, i1.disp, 10, 1, content, "")
	require.Equal(t, content, m.Content)

	_, err := i1.disp.SendMessage(context.Background(), SendRequest{
		ChatID: 10, SenderID: 1,
		Content:     strings.Repeat("消", wire.MaxContentLen+1),
		MessageType: wire.MessageTypeText,
	})
	require.Error(t, err)
	require.Equal(t, errs.ValidationErrorCode, errs.Code(err))
}

func TestContentIsStrippedOfMarkup(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 1, "s1")

	m := send(t, i1.disp, 10, 1, "<script>alert(1)</script>hi <b>there</b>", "k1")
	require.Equal(t, "hi there", m.Content)
	require.Equal(t, "hi there", db.msgs[0].Content, "stripped form is what gets persisted")

	// A message that is nothing but markup strips down to nothing.
	_, err := i1.disp.SendMessage(context.Background(), SendRequest{
		ChatID: 10, SenderID: 1, Content: "<b></b>", MessageType: wire.MessageTypeText,
	})
	require.Error(t, err)
	require.Equal(t, errs.ValidationErrorCode, errs.Code(err))
	require.Len(t, db.msgs, 1)
}

func TestRejectionWithoutSenderIsNotBroadcast(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)

	var published int
	_, err := store.Subscribe("ws:broadcast", func([]byte) { published++ })
	require.NoError(t, err)

	_, err = i1.disp.SendMessage(context.Background(), SendRequest{
		Content: "x", MessageType: wire.MessageTypeText, // no chat or sender id
	})
	require.Error(t, err)
	require.Equal(t, errs.ValidationErrorCode, errs.Code(err))
	require.Zero(t, published, "nothing addressable, nothing on the bus")
}

func TestTypingReachesOnlyOnlineMembers(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2, 3}})
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 1, "s1")
	i1.connect(t, 2, "s2")
	// user 3 stays offline

	require.NoError(t, i1.disp.Typing(context.Background(), 10, 1, true))

	got := i1.reg.envelopes(t, 2)
	require.Len(t, got, 1)
	require.Equal(t, wire.EnvelopeTyping, got[0].Type)
	var typ wire.Typing
	require.NoError(t, json.Unmarshal(got[0].Data, &typ))
	require.Equal(t, wire.Typing{ChatID: 10, UserID: 1, IsTyping: true}, typ)

	// Typing is ephemeral: nothing was queued for user 3.
	queued, err := store.DrainQueue(context.Background(), 3)
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestMarkReadNotifiesMembers(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 1, "s1")
	i1.connect(t, 2, "s2")

	m := send(t, i1.disp, 10, 1, "hello", "k1")
	require.NoError(t, i1.disp.MarkRead(context.Background(), 10, 2, m.ID))

	require.Equal(t, []int64{2}, db.read[m.ID])
	envs := i1.reg.envelopes(t, 1)
	last := envs[len(envs)-1]
	require.Equal(t, wire.EnvelopeMessageRead, last.Type)
	var mr wire.MessageRead
	require.NoError(t, json.Unmarshal(last.Data, &mr))
	require.Equal(t, wire.MessageRead{ChatID: 10, UserID: 2, MessageID: m.ID}, mr)
}

func TestMarkChatReadResetsUnread(t *testing.T) {
	store := memory.New()
	db := newFakeDB(map[int64][]int64{10: {1, 2}})
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 1, "s1")

	send(t, i1.disp, 10, 1, "a", "")
	send(t, i1.disp, 10, 1, "b", "")
	require.Equal(t, int64(2), store.GetUnread(2, 10))

	require.NoError(t, i1.disp.MarkChatRead(context.Background(), 10, 2))
	require.Equal(t, int64(0), store.GetUnread(2, 10))
}

func TestBroadcastStatus(t *testing.T) {
	store := memory.New()
	db := newFakeDB(nil)
	i1 := newInstance(t, "i1", store, db)
	i1.connect(t, 2, "s2")
	// contact 3 is offline and is silently skipped

	require.NoError(t, i1.disp.BroadcastStatus(context.Background(), 1, true, []int64{2, 3}))

	got := i1.reg.envelopes(t, 2)
	require.Len(t, got, 1)
	require.Equal(t, wire.EnvelopePresence, got[0].Type)
	var pc wire.PresenceChange
	require.NoError(t, json.Unmarshal(got[0].Data, &pc))
	require.Equal(t, wire.PresenceChange{UserID: 1, Online: true}, pc)

	// The status-update class allows 2 per window.
	require.NoError(t, i1.disp.BroadcastStatus(context.Background(), 1, false, nil))
	err := i1.disp.BroadcastStatus(context.Background(), 1, true, nil)
	require.Error(t, err)
	require.Equal(t, errs.RateLimitExceededCode, errs.Code(err))
}

// Package memory is the in-process stand-in for the Redis coordination
// store: same capability surface, one mutex, lazy TTL expiry against an
// injectable clock. It backs the test suite and single-node development.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type window struct {
	count    int64
	expireAt time.Time
}

type aliveEntry struct {
	instanceID string
	expireAt   time.Time
}

type queueEntry struct {
	items    [][]byte
	expireAt time.Time
}

type Store struct {
	mu    sync.Mutex
	clock func() time.Time

	seqs     map[int64]int64
	windows  map[string]*window
	sessions map[int64]map[string]struct{}
	alive    map[int64]aliveEntry
	typing   map[string]time.Time
	queues   map[int64]*queueEntry
	unread   map[string]int64
	subs     map[string][]func([]byte)
}

func New() *Store {
	return &Store{
		clock:    time.Now,
		seqs:     make(map[int64]int64),
		windows:  make(map[string]*window),
		sessions: make(map[int64]map[string]struct{}),
		alive:    make(map[int64]aliveEntry),
		typing:   make(map[string]time.Time),
		queues:   make(map[int64]*queueEntry),
		unread:   make(map[string]int64),
		subs:     make(map[string][]func([]byte)),
	}
}

// SetClock injects a fake clock; tests use it to simulate TTL expiry.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func fmtID(id int64) string { return strconv.FormatInt(id, 10) }

// ---- seq.Store ----

func (s *Store) NextSeq(_ context.Context, chatID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[chatID]++
	return s.seqs[chatID], nil
}

// ---- ratelimit.Store ----

func (s *Store) IncrWindow(_ context.Context, class string, userID int64, win time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := class + ":" + fmtID(userID)
	now := s.clock()
	w := s.windows[key]
	if w == nil || !now.Before(w.expireAt) {
		w = &window{expireAt: now.Add(win)}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// ---- presence.Store ----

func (s *Store) AddSession(_ context.Context, userID int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sessions[userID]
	if set == nil {
		set = make(map[string]struct{})
		s.sessions[userID] = set
	}
	set[sessionID] = struct{}{}
	return nil
}

func (s *Store) RemoveSession(_ context.Context, userID int64, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sessions[userID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(s.sessions, userID)
	}
	return int64(len(set)), nil
}

// SessionCount reports how many sessions the user has registered.
func (s *Store) SessionCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[userID])
}

func (s *Store) SetAlive(_ context.Context, userID int64, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[userID] = aliveEntry{instanceID: instanceID, expireAt: s.clock().Add(ttl)}
	return nil
}

func (s *Store) RefreshAlive(_ context.Context, userID int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.alive[userID]
	if !ok || !s.clock().Before(e.expireAt) {
		delete(s.alive, userID)
		return false, nil
	}
	e.expireAt = s.clock().Add(ttl)
	s.alive[userID] = e
	return true, nil
}

func (s *Store) ClearAlive(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alive, userID)
	return nil
}

func (s *Store) Alive(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked(userID), nil
}

func (s *Store) AliveBatch(_ context.Context, userIDs []int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]bool, len(userIDs))
	for _, uid := range userIDs {
		out[uid] = s.aliveLocked(uid)
	}
	return out, nil
}

func (s *Store) aliveLocked(userID int64) bool {
	e, ok := s.alive[userID]
	if !ok {
		return false
	}
	if !s.clock().Before(e.expireAt) {
		delete(s.alive, userID)
		return false
	}
	return true
}

func (s *Store) SetTyping(_ context.Context, chatID, userID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing[fmtID(chatID)+":"+fmtID(userID)] = s.clock().Add(ttl)
	return nil
}

// Typing reports whether the (chat, user) typing marker is still live.
func (s *Store) Typing(chatID, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.typing[fmtID(chatID)+":"+fmtID(userID)]
	return ok && s.clock().Before(exp)
}

// ---- offline.Store ----

func (s *Store) PushQueue(_ context.Context, userID int64, payload []byte, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	q := s.queues[userID]
	if q == nil || !now.Before(q.expireAt) {
		q = &queueEntry{}
		s.queues[userID] = q
	}
	q.items = append(q.items, append([]byte(nil), payload...))
	q.expireAt = now.Add(retention)
	return nil
}

func (s *Store) DrainQueue(_ context.Context, userID int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[userID]
	delete(s.queues, userID)
	if q == nil || !s.clock().Before(q.expireAt) {
		return nil, nil
	}
	return q.items, nil
}

// ---- dispatch.CounterStore ----

func (s *Store) IncrUnread(_ context.Context, userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[fmtID(userID)+":"+fmtID(chatID)]++
	return nil
}

func (s *Store) ResetUnread(_ context.Context, userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread, fmtID(userID)+":"+fmtID(chatID))
	return nil
}

func (s *Store) GetUnread(userID, chatID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[fmtID(userID)+":"+fmtID(chatID)]
}

// ---- relay.Bus ----

// Publish delivers synchronously to every subscriber, the current
// goroutine standing in for the broker. Deterministic, which is exactly
// what the tests lean on.
func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	handlers := append([]func([]byte){}, s.subs[channel]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(append([]byte(nil), payload...))
	}
	return nil
}

func (s *Store) Subscribe(channel string, h func(payload []byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[channel] = append(s.subs[channel], h)
	idx := len(s.subs[channel]) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		if idx < len(subs) {
			subs[idx] = func([]byte) {}
		}
	}, nil
}

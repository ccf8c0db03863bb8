package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexus-chat/realtime/logger"
	"github.com/nexus-chat/realtime/tools/errs"
)

type ManagerConf struct {
	ConnTTL    time.Duration    // idle expiry; refreshed on every heartbeat
	SweepEvery time.Duration    // sweeper period
	WriteWait  time.Duration    // per-write deadline
	Clock      func() time.Time // injectable for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.ConnTTL <= 0 {
		c.ConnTTL = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
}

// WsConn is one live client connection on this instance.
type WsConn struct {
	SessionID string
	UserID    int64
	Conn      *websocket.Conn

	CreatedAt time.Time
	Heartbeat time.Time
	ExpireAt  time.Time

	writeMu sync.Mutex
}

// ConnManager is the instance-local connection registry the relay filters
// against: sessionID -> conn plus a per-user index for multi-device
// delivery. Expired connections are reaped by a background sweeper.
type ConnManager struct {
	mu        sync.RWMutex
	bySession map[string]*WsConn
	byUser    map[int64]map[string]*WsConn

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySession: make(map[string]*WsConn),
		byUser:    make(map[int64]map[string]*WsConn),
		conf:      conf,
		stopCh:    make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.bySession {
		closeQuiet(w.Conn)
	}
	m.bySession = map[string]*WsConn{}
	m.byUser = map[int64]map[string]*WsConn{}
}

// Add registers a connection under (userID, sessionID). A reconnect with
// the same sessionID replaces the stale conn.
func (m *ConnManager) Add(userID int64, sessionID string, conn *websocket.Conn) *WsConn {
	now := m.conf.Clock()
	w := &WsConn{
		SessionID: sessionID,
		UserID:    userID,
		Conn:      conn,
		CreatedAt: now,
		Heartbeat: now,
		ExpireAt:  now.Add(m.conf.ConnTTL),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.bySession[sessionID]; ok {
		closeQuiet(old.Conn)
		m.dropLocked(old)
	}
	m.bySession[sessionID] = w
	mm := m.byUser[userID]
	if mm == nil {
		mm = make(map[string]*WsConn)
		m.byUser[userID] = mm
	}
	mm[sessionID] = w
	return w
}

// Remove unregisters one session and returns it, if it was known.
func (m *ConnManager) Remove(sessionID string) (*WsConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.bySession[sessionID]
	if !ok {
		return nil, false
	}
	m.dropLocked(w)
	return w, true
}

// Touch refreshes a session's heartbeat and idle expiry.
func (m *ConnManager) Touch(sessionID string) {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.bySession[sessionID]; ok {
		w.Heartbeat = now
		w.ExpireAt = now.Add(m.conf.ConnTTL)
	}
}

// HasUser reports whether the user has any session on this instance.
func (m *ConnManager) HasUser(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// SendLocal writes payload to every local session of the user. The
// destination is informational here: the unified per-user channel means
// every envelope for a user rides the same socket. Dead connections are
// closed and dropped; the last write error is returned.
func (m *ConnManager) SendLocal(userID int64, _ string, payload []byte) error {
	m.mu.RLock()
	conns := make([]*WsConn, 0, len(m.byUser[userID]))
	for _, w := range m.byUser[userID] {
		conns = append(conns, w)
	}
	m.mu.RUnlock()

	if len(conns) == 0 {
		return errs.New("no local session for user %d", userID)
	}

	var lastErr error
	for _, w := range conns {
		if err := w.write(payload, m.conf.WriteWait); err != nil {
			lastErr = err
			logger.Warnf("[conns] write failed, dropping session=%s user=%d err=%v", w.SessionID, w.UserID, err)
			closeQuiet(w.Conn)
			m.mu.Lock()
			m.dropLocked(w)
			m.mu.Unlock()
		}
	}
	return errs.Wrap(lastErr)
}

// Sessions returns the live session count (sweeper metrics, tests).
func (m *ConnManager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySession)
}

func (m *ConnManager) dropLocked(w *WsConn) {
	delete(m.bySession, w.SessionID)
	if mm := m.byUser[w.UserID]; mm != nil {
		delete(mm, w.SessionID)
		if len(mm) == 0 {
			delete(m.byUser, w.UserID)
		}
	}
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *ConnManager) sweep() {
	now := m.conf.Clock()
	m.mu.Lock()
	var expired []*WsConn
	for _, w := range m.bySession {
		if now.After(w.ExpireAt) {
			expired = append(expired, w)
		}
	}
	for _, w := range expired {
		m.dropLocked(w)
	}
	m.mu.Unlock()

	for _, w := range expired {
		logger.Infof("[conns] swept idle session=%s user=%d", w.SessionID, w.UserID)
		closeQuiet(w.Conn)
	}
}

func (w *WsConn) write(payload []byte, wait time.Duration) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.Conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return w.Conn.WriteMessage(websocket.TextMessage, payload)
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}

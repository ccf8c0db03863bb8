package chat

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nexus-chat/realtime/module/chat/dispatch"
	"github.com/nexus-chat/realtime/module/chat/message"
	"github.com/nexus-chat/realtime/module/chat/offline"
	"github.com/nexus-chat/realtime/module/chat/presence"
	"github.com/nexus-chat/realtime/module/chat/ratelimit"
	"github.com/nexus-chat/realtime/module/chat/relay"
	"github.com/nexus-chat/realtime/module/chat/seq"
	"github.com/nexus-chat/realtime/service/storage/memory"
	"github.com/nexus-chat/realtime/tools/errs"
)

// gwDB is a minimal message/membership double for gateway tests.
type gwDB struct{ members map[int64][]int64 }

func (db *gwDB) Insert(context.Context, *message.Message) error { return nil }
func (db *gwDB) ExistsByDedupKey(context.Context, int64, string) (bool, error) {
	return false, nil
}
func (db *gwDB) MarkRead(context.Context, int64, int64) error     { return nil }
func (db *gwDB) MarkChatRead(context.Context, int64, int64) error { return nil }

func (db *gwDB) IsMember(_ context.Context, chatID, userID int64) (bool, error) {
	for _, uid := range db.members[chatID] {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

func (db *gwDB) MemberIDs(_ context.Context, chatID int64) ([]int64, error) {
	return db.members[chatID], nil
}

// startGateway stands up a full gateway over the given stores and returns
// the websocket URL.
func startGateway(t *testing.T, store *memory.Store, ps presence.Store) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr := NewConnManager(ManagerConf{})
	t.Cleanup(mgr.Close)
	rl := relay.New("i1", "", store, mgr)
	require.NoError(t, rl.Start())
	t.Cleanup(rl.Close)

	disp := dispatch.New(dispatch.Options{
		Seq:      seq.NewGenerator(store),
		Limiter:  ratelimit.NewLimiter(store, nil),
		Presence: presence.NewTracker(ps, "i1", 0, 0),
		Queue:    offline.NewQueue(store, 0),
		Relay:    rl,
		Messages: &gwDB{members: map[int64][]int64{10: {1, 2}}},
		Members:  &gwDB{members: map[int64][]int64{10: {1, 2}}},
		Counters: store,
	})

	r := gin.New()
	r.GET("/ws", NewServer(mgr, disp).HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialAndConnect(t *testing.T, url string, userID int64, sessionID string) *websocket.Conn {
	t.Helper()
	cli, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { closeQuiet(cli) })

	connect := `{"type":"CONNECT","data":{"user_id":` +
		strconv.FormatInt(userID, 10) + `,"session_id":"` + sessionID + `"}}`
	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte(connect)))
	return cli
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	store := memory.New()
	url := startGateway(t, store, store)
	cli := dialAndConnect(t, url, 1, "s1")

	ctx := context.Background()
	require.Eventually(t, func() bool {
		online, err := store.Alive(ctx, 1)
		return err == nil && online
	}, 2*time.Second, 10*time.Millisecond)

	big := make([]byte, maxPayloadBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, cli.WriteMessage(websocket.TextMessage, big))

	// The server aborts the read loop; the client sees the close.
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := cli.ReadMessage()
	require.Error(t, err)

	// And the session is fully torn down, presence included.
	require.Eventually(t, func() bool {
		online, err := store.Alive(ctx, 1)
		return err == nil && !online
	}, 2*time.Second, 10*time.Millisecond)
}

// aliveFailStore accepts sessions but refuses to arm liveness, forcing
// the connect path to fail halfway.
type aliveFailStore struct{ *memory.Store }

func (aliveFailStore) SetAlive(context.Context, int64, string, time.Duration) error {
	return errs.New("alive store down")
}

func TestFailedConnectRollsBackSession(t *testing.T) {
	store := memory.New()
	url := startGateway(t, store, aliveFailStore{store})
	cli := dialAndConnect(t, url, 1, "s1")

	// The gateway drops the connection after the failed connect; the
	// close happens only after the rollback ran.
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := cli.ReadMessage()
	require.Error(t, err, "gateway dropped the connection")

	// The half-registered session must not linger in the shared set.
	require.Zero(t, store.SessionCount(1))
}

package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nexus-chat/realtime/logger"
	"github.com/nexus-chat/realtime/module/chat/dispatch"
	"github.com/nexus-chat/realtime/tools/errs"
	"github.com/nexus-chat/realtime/tools/ids"
	"github.com/nexus-chat/realtime/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// maxPayloadBytes caps one inbound frame; gorilla closes the connection
// with 1009 when a client exceeds it.
const maxPayloadBytes = 64 << 10

// Server ties the websocket transport to the dispatch core. It owns the
// read loops; all writes go through the ConnManager.
type Server struct {
	mgr  *ConnManager
	disp *dispatch.Dispatcher
}

func NewServer(mgr *ConnManager, disp *dispatch.Dispatcher) *Server {
	return &Server{mgr: mgr, disp: disp}
}

func (s *Server) ConnMgr() *ConnManager { return s.mgr }

// HandleWS upgrades the request and runs the session: the first frame
// must be CONNECT carrying the (upstream-authenticated) user identity;
// everything after that is dispatched by frame type.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}
	defer closeQuiet(ws)
	ws.SetReadLimit(maxPayloadBytes)

	conn, err := s.awaitConnect(ws)
	if err != nil {
		logger.Infof("[ws] connect handshake failed: %v", err)
		return
	}

	ctx := context.Background()
	if err := s.disp.Connected(ctx, conn.UserID, conn.SessionID); err != nil {
		logger.Errorf("[ws] presence connect failed: user=%d err=%v", conn.UserID, err)
		s.mgr.Remove(conn.SessionID)
		// AddSession may have landed before the failure; undo it so the
		// shared session set does not leak a phantom device.
		if _, derr := s.disp.Disconnected(ctx, conn.UserID, conn.SessionID); derr != nil {
			logger.Warnf("[ws] session rollback failed: user=%d err=%v", conn.UserID, derr)
		}
		return
	}

	s.readLoop(ctx, conn)

	s.mgr.Remove(conn.SessionID)
	if _, err := s.disp.Disconnected(ctx, conn.UserID, conn.SessionID); err != nil {
		logger.Errorf("[ws] presence disconnect failed: user=%d err=%v", conn.UserID, err)
	}
}

// awaitConnect reads the CONNECT frame and registers the connection.
func (s *Server) awaitConnect(ws *websocket.Conn) (*WsConn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	f, err := wire.ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	if f.Type != wire.FrameConnect {
		return nil, errFirstFrame
	}
	var p wire.ConnectPayload
	if err := f.Decode(&p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		p.SessionID = ids.NewSessionID()
	}
	return s.mgr.Add(p.UserID, p.SessionID, ws), nil
}

func (s *Server) readLoop(ctx context.Context, conn *WsConn) {
	for {
		mt, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed session=%s", conn.SessionID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout session=%s", conn.SessionID)
			} else {
				logger.Infof("[ws] read err session=%s err=%v", conn.SessionID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, err := wire.ParseFrame(raw)
		if err != nil {
			sample := raw
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame session=%s err=%v sample=%q", conn.SessionID, err, sample)
			continue
		}
		s.handleFrame(ctx, conn, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *WsConn, f *wire.Frame) {
	switch f.Type {
	case wire.FrameHeartbeat:
		s.mgr.Touch(conn.SessionID)
		if err := s.disp.Heartbeat(ctx, conn.UserID); err != nil {
			logger.Warnf("[ws] heartbeat failed: user=%d err=%v", conn.UserID, err)
		}

	case wire.FrameSend:
		var p wire.SendPayload
		if err := f.Decode(&p); err != nil {
			logger.Infof("[ws] bad send payload session=%s err=%v", conn.SessionID, err)
			return
		}
		// The socket identity wins over whatever sender the payload claims.
		p.SenderID = conn.UserID
		// The rejection already reached the sender as a
		// MESSAGE_DELIVERY_FAILED envelope; nothing more to do here.
		_, _ = s.disp.SendMessage(ctx, dispatch.SendRequest{
			ChatID:      p.ChatID,
			SenderID:    p.SenderID,
			Content:     p.Content,
			MessageType: p.MessageType,
			FileURL:     p.FileURL,
			DedupKey:    p.DedupKey,
		})

	case wire.FrameTyping:
		var p wire.TypingPayload
		if err := f.Decode(&p); err != nil {
			return
		}
		if err := s.disp.Typing(ctx, p.ChatID, conn.UserID, p.IsTyping); err != nil {
			logger.Debug("[ws] typing dropped")
		}

	case wire.FrameRead:
		var p wire.ReadPayload
		if err := f.Decode(&p); err != nil {
			return
		}
		if err := s.disp.MarkRead(ctx, p.ChatID, conn.UserID, p.MessageID); err != nil {
			logger.Warnf("[ws] mark read failed: user=%d err=%v", conn.UserID, err)
		}

	default:
		logger.Infof("[ws] unknown frame type=%s session=%s", f.Type, conn.SessionID)
	}
}

var errFirstFrame = errs.New("first frame must be CONNECT")

package wire

import "encoding/json"

// FrameType enumerates inbound client frames on the websocket.
type FrameType string

const (
	FrameConnect   FrameType = "CONNECT"
	FrameHeartbeat FrameType = "HEARTBEAT"
	FrameSend      FrameType = "SEND"
	FrameTyping    FrameType = "TYPING"
	FrameRead      FrameType = "READ"
)

// Frame is the envelope of everything a client pushes to the gateway.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes one inbound frame; the Data part stays raw until the
// handler for the frame type decodes it.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// ConnectPayload declares who the socket belongs to. Authentication
// happened upstream; the gateway trusts the
// declared identity and only mints a session ID when none is supplied.
type ConnectPayload struct {
	UserID    int64  `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

type SendPayload struct {
	ChatID      int64       `json:"chat_id"`
	SenderID    int64       `json:"sender_id"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	FileURL     string      `json:"file_url,omitempty"`
	DedupKey    string      `json:"dedup_key,omitempty"`
}

type TypingPayload struct {
	ChatID   int64 `json:"chat_id"`
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

type ReadPayload struct {
	ChatID    int64 `json:"chat_id"`
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
}

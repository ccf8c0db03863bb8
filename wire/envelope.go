package wire

import (
	"encoding/json"
	"strconv"
	"time"
)

// EnvelopeType enumerates the outbound kinds delivered on a user channel.
type EnvelopeType string

const (
	EnvelopeChatMessage    EnvelopeType = "CHAT_MESSAGE"
	EnvelopeMessageAck     EnvelopeType = "MESSAGE_ACK"
	EnvelopeDeliveryFailed EnvelopeType = "MESSAGE_DELIVERY_FAILED"
	EnvelopeTyping         EnvelopeType = "TYPING"
	EnvelopeMessageRead    EnvelopeType = "MESSAGE_READ"
	EnvelopePresence       EnvelopeType = "PRESENCE"
)

// Envelope is the unit pushed to clients over their per-user channel.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	At   time.Time       `json:"at"`
}

func NewEnvelope(t EnvelopeType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Data: raw, At: time.Now()}, nil
}

func (e *Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

func (e *Envelope) Decode(v any) error { return json.Unmarshal(e.Data, v) }

func ParseEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// UserDestination is the unified per-user channel: user.{userId}.messages.
func UserDestination(userID int64) string {
	return "user." + strconv.FormatInt(userID, 10) + ".messages"
}

// MessageType is the client-declared payload kind of a chat message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
	MessageTypeEmoji MessageType = "emoji"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeEmoji:
		return true
	}
	return false
}

// Payload bounds enforced at dispatch.
const (
	MaxContentLen = 5000
	MaxFileURLLen = 2000
)

// MessageAck confirms a persisted send to its sender.
type MessageAck struct {
	DedupKey        string `json:"dedup_key"`
	ServerMessageID int64  `json:"server_message_id"`
	ChatID          int64  `json:"chat_id"`
	SequenceNumber  int64  `json:"sequence_number"`
}

// DeliveryFailed reports an aborted send; the client may retry with the
// same dedup key.
type DeliveryFailed struct {
	ChatID   int64  `json:"chat_id"`
	DedupKey string `json:"dedup_key"`
	Code     int    `json:"code"`
	Error    string `json:"error"`
}

type Typing struct {
	ChatID   int64 `json:"chat_id"`
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

type MessageRead struct {
	ChatID    int64 `json:"chat_id"`
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
}

// PresenceChange announces a user going fully online or offline.
type PresenceChange struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
}

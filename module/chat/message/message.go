package message

import (
	"time"

	"github.com/nexus-chat/realtime/wire"
)

// Message is the persisted chat message. The coordination core only ever
// writes it once, after sequencing; the rest of the platform reads it.
type Message struct {
	ID          int64            `bson:"_id" json:"id"`
	ChatID      int64            `bson:"chat_id" json:"chat_id"`
	SenderID    int64            `bson:"sender_id" json:"sender_id"`
	Content     string           `bson:"content" json:"content"`
	MessageType wire.MessageType `bson:"message_type" json:"message_type"`
	FileURL     string           `bson:"file_url,omitempty" json:"file_url,omitempty"`
	DedupKey    string           `bson:"dedup_key,omitempty" json:"dedup_key,omitempty"`
	Seq         int64            `bson:"seq" json:"sequence_number"`
	ReadBy      []int64          `bson:"read_by,omitempty" json:"-"`
	CreatedAt   time.Time        `bson:"create_time" json:"created_at"`
}

// ChatMember is one row of chat membership, owned by the group/contact
// CRUD outside this core; the dispatcher only reads it.
type ChatMember struct {
	ChatID   int64     `bson:"chat_id" json:"chat_id"`
	UserID   int64     `bson:"user_id" json:"user_id"`
	JoinedAt time.Time `bson:"join_time" json:"joined_at"`
}

package message

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nexus-chat/realtime/tools/errs"
)

const (
	collMessages    = "messages"
	collChatMembers = "chat_members"
)

// ErrDuplicateDedupKey is returned when the unique (sender_id, dedup_key)
// index rejects an insert. This index, not the optimistic pre-check, is
// the authoritative dedup constraint.
var ErrDuplicateDedupKey = errs.New("duplicate (sender, dedup_key)")

type Repo struct {
	db *mongo.Database
}

func NewRepo(db *mongo.Database) *Repo { return &Repo{db: db} }

// EnsureIndexes creates the dedup and ordering indexes. Idempotent; run
// at startup.
func (r *Repo) EnsureIndexes(ctx context.Context) error {
	msgs := r.db.Collection(collMessages)
	_, err := msgs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "dedup_key", Value: 1}},
			Options: options.Index().
				SetName("uniq_sender_dedup").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"dedup_key": bson.M{"$gt": ""}}),
		},
		{
			Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("chat_seq"),
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "ensure message indexes")
	}
	members := r.db.Collection(collChatMembers)
	_, err = members.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetName("uniq_chat_user").SetUnique(true),
	})
	return errs.WrapMsg(err, "ensure member indexes")
}

// Insert persists one sequenced message. A duplicate-key rejection from
// the dedup index surfaces as ErrDuplicateDedupKey.
func (r *Repo) Insert(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := r.db.Collection(collMessages).InsertOne(ctx, m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateDedupKey
		}
		return errs.WrapMsg(err, "insert message", "chat_id", m.ChatID, "seq", m.Seq)
	}
	return nil
}

// ExistsByDedupKey is the fast-path dedup pre-check. It is deliberately
// not atomic with Insert; concurrent retries can both pass here and the
// unique index settles it.
func (r *Repo) ExistsByDedupKey(ctx context.Context, senderID int64, dedupKey string) (bool, error) {
	if dedupKey == "" {
		return false, nil
	}
	n, err := r.db.Collection(collMessages).CountDocuments(ctx,
		bson.M{"sender_id": senderID, "dedup_key": dedupKey},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, errs.WrapMsg(err, "dedup pre-check", "sender_id", senderID)
	}
	return n > 0, nil
}

// MarkRead records userID as a reader of one message.
func (r *Repo) MarkRead(ctx context.Context, messageID, userID int64) error {
	_, err := r.db.Collection(collMessages).UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$addToSet": bson.M{"read_by": userID}},
	)
	return errs.WrapMsg(err, "mark read", "message_id", messageID, "user_id", userID)
}

// MarkChatRead records userID as a reader of every message in the chat.
func (r *Repo) MarkChatRead(ctx context.Context, chatID, userID int64) error {
	_, err := r.db.Collection(collMessages).UpdateMany(ctx,
		bson.M{"chat_id": chatID, "read_by": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"read_by": userID}},
	)
	return errs.WrapMsg(err, "mark chat read", "chat_id", chatID, "user_id", userID)
}

// IsMember reports whether userID belongs to chatID.
func (r *Repo) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	n, err := r.db.Collection(collChatMembers).CountDocuments(ctx,
		bson.M{"chat_id": chatID, "user_id": userID},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, errs.WrapMsg(err, "membership check", "chat_id", chatID, "user_id", userID)
	}
	return n > 0, nil
}

// MemberIDs returns every member of chatID.
func (r *Repo) MemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	cur, err := r.db.Collection(collChatMembers).Find(ctx, bson.M{"chat_id": chatID})
	if err != nil {
		return nil, errs.WrapMsg(err, "list members", "chat_id", chatID)
	}
	defer cur.Close(ctx)

	var out []int64
	for cur.Next(ctx) {
		var m ChatMember
		if err := cur.Decode(&m); err != nil {
			return nil, errs.WrapMsg(err, "decode member", "chat_id", chatID)
		}
		out = append(out, m.UserID)
	}
	return out, errs.Wrap(cur.Err())
}

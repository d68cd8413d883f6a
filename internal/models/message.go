package models

import "time"

// MessageKind distinguishes community room traffic from direct messages.
type MessageKind string

const (
	KindRoom   MessageKind = "room"
	KindDirect MessageKind = "direct"
)

// Message is a persisted chat or direct message. CreatedAt is always assigned
// by the store.
type Message struct {
	ID             int64       `db:"id" bson:"_id" json:"id"`
	Kind           MessageKind `db:"kind" bson:"kind" json:"kind"`
	SenderID       int64       `db:"sender_id" bson:"sender_id" json:"senderId"`
	RoomID         *int64      `db:"room_id" bson:"room_id,omitempty" json:"roomId,omitempty"`
	ReceiverID     *int64      `db:"receiver_id" bson:"receiver_id,omitempty" json:"receiverId,omitempty"`
	Content        string      `db:"content" bson:"content" json:"content"`
	CreatedAt      time.Time   `db:"created_at" bson:"created_at" json:"createdAt"`
	SenderUsername string      `db:"-" bson:"-" json:"senderUsername,omitempty"`
	SenderName     string      `db:"-" bson:"-" json:"senderName,omitempty"`
}

// MessagePage is one page of history in ascending createdAt order.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// WithSender copies display identity onto the message.
func (m Message) WithSender(u User) Message {
	m.SenderUsername = u.Username
	m.SenderName = u.DisplayName
	return m
}

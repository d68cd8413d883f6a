// Package push hands direct messages for offline recipients to the
// push-notification pipeline.
package push

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"chat-core/internal/models"
)

const previewRunes = 100

// Publisher is satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Job is the payload consumed by the push worker.
type Job struct {
	ReceiverID int64     `json:"receiver_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	MessageID  int64     `json:"message_id"`
	Preview    string    `json:"preview"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notifier publishes push jobs. It never retries; callers treat failures as
// best effort because the message is already stored.
type Notifier struct {
	publisher  Publisher
	routingKey string
}

// NewNotifier constructs a Notifier.
func NewNotifier(publisher Publisher, routingKey string) *Notifier {
	return &Notifier{publisher: publisher, routingKey: routingKey}
}

// NotifyDirectMessage publishes a push job for msg's receiver.
func (n *Notifier) NotifyDirectMessage(ctx context.Context, msg models.Message) error {
	if msg.ReceiverID == nil {
		return fmt.Errorf("message %d has no receiver", msg.ID)
	}
	job := Job{
		ReceiverID: *msg.ReceiverID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		MessageID:  msg.ID,
		Preview:    preview(msg.Content),
		CreatedAt:  msg.CreatedAt,
	}
	if job.SenderName == "" {
		job.SenderName = msg.SenderUsername
	}
	if err := n.publisher.Publish(ctx, n.routingKey, job, nil); err != nil {
		return fmt.Errorf("publish push job: %w", err)
	}
	return nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes]) + "…"
}

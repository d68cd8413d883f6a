package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-core/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the durable message store of record.
type MessageRepository interface {
	CreateRoomMessage(ctx context.Context, roomID int64, senderID int64, content string) (models.Message, error)
	CreateDirectMessage(ctx context.Context, senderID int64, receiverID int64, content string) (models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	ListRoomMessages(ctx context.Context, roomID int64, after models.HistoryCursor, limit int) ([]models.Message, error)
	ListDirectMessages(ctx context.Context, userA int64, userB int64, after models.HistoryCursor, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, kind, room_id, sender_id, receiver_id, content, created_at`

// CreateRoomMessage stores a community room message; created_at comes from
// the database clock.
func (r *MessageRepo) CreateRoomMessage(ctx context.Context, roomID int64, senderID int64, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (kind, room_id, sender_id, content) VALUES ('room', $1, $2, $3) RETURNING `+messageColumns, roomID, senderID, content).
		StructScan(&msg)
	return msg, err
}

// CreateDirectMessage stores a direct message.
func (r *MessageRepo) CreateDirectMessage(ctx context.Context, senderID int64, receiverID int64, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (kind, sender_id, receiver_id, content) VALUES ('direct', $1, $2, $3) RETURNING `+messageColumns, senderID, receiverID, content).
		StructScan(&msg)
	return msg, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListRoomMessages returns up to limit messages after the cursor, oldest first.
func (r *MessageRepo) ListRoomMessages(ctx context.Context, roomID int64, after models.HistoryCursor, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE kind = 'room' AND room_id = $1
        AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) > ($2::TIMESTAMPTZ, $3::BIGINT))
        ORDER BY created_at ASC, id ASC
        LIMIT $4`
	ts, id := cursorArgs(after)
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, query, roomID, ts, id, limit)
	return msgs, err
}

// ListDirectMessages returns the conversation between two users, oldest first.
func (r *MessageRepo) ListDirectMessages(ctx context.Context, userA int64, userB int64, after models.HistoryCursor, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE kind = 'direct'
        AND LEAST(sender_id, receiver_id) = LEAST($1::BIGINT, $2::BIGINT)
        AND GREATEST(sender_id, receiver_id) = GREATEST($1::BIGINT, $2::BIGINT)
        AND ($3::TIMESTAMPTZ IS NULL OR (created_at, id) > ($3::TIMESTAMPTZ, $4::BIGINT))
        ORDER BY created_at ASC, id ASC
        LIMIT $5`
	ts, id := cursorArgs(after)
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, query, userA, userB, ts, id, limit)
	return msgs, err
}

// cursorArgs binds the keyset predicate. A zero cursor binds NULL, which
// matches every row.
func cursorArgs(after models.HistoryCursor) (any, int64) {
	if after.IsZero() {
		return nil, 0
	}
	return after.CreatedAt, after.ID
}

package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens Postgres and applies migrations.
func Connect(dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username TEXT NOT NULL UNIQUE,
            display_name TEXT NOT NULL DEFAULT '',
            dm_privacy TEXT NOT NULL DEFAULT 'everyone' CHECK (dm_privacy IN ('everyone', 'followers', 'nobody'))
        );`,
		`CREATE TABLE IF NOT EXISTS follows (
            follower_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            followee_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            PRIMARY KEY(follower_id, followee_id)
        );`,
		`CREATE TABLE IF NOT EXISTS blocks (
            blocker_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            blocked_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            PRIMARY KEY(blocker_id, blocked_id)
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            kind TEXT NOT NULL CHECK (kind IN ('room', 'direct')),
            room_id BIGINT,
            sender_id BIGINT NOT NULL,
            receiver_id BIGINT,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        );`,
		`DROP INDEX IF EXISTS messages_room_idx;`,
		`DROP INDEX IF EXISTS messages_pair_idx;`,
		`CREATE INDEX IF NOT EXISTS messages_room_keyset_idx ON messages (room_id, created_at, id) WHERE kind = 'room';`,
		`CREATE INDEX IF NOT EXISTS messages_pair_keyset_idx ON messages
            (LEAST(sender_id, receiver_id), GREATEST(sender_id, receiver_id), created_at, id) WHERE kind = 'direct';`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-core/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository is the user/relationship directory used for identity
// resolution and privacy checks.
type UserRepository interface {
	GetUser(ctx context.Context, userID int64) (models.User, error)
	BulkUsers(ctx context.Context, ids []int64) ([]models.User, error)
	GetDMPrivacy(ctx context.Context, userID int64) (models.DMPrivacy, error)
	IsFollowing(ctx context.Context, followerID int64, followeeID int64) (bool, error)
	IsBlocked(ctx context.Context, userA int64, userB int64) (bool, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser fetches a user by id.
func (r *UserRepo) GetUser(ctx context.Context, userID int64) (models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT id, username, display_name, dm_privacy FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// BulkUsers fetches multiple users in one round trip. Missing ids are skipped.
func (r *UserRepo) BulkUsers(ctx context.Context, ids []int64) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	users := []models.User{}
	err := r.db.SelectContext(ctx, &users, `SELECT id, username, display_name, dm_privacy FROM users WHERE id = ANY($1)`, pq.Array(ids))
	return users, err
}

// GetDMPrivacy returns the user's stored direct-message setting.
func (r *UserRepo) GetDMPrivacy(ctx context.Context, userID int64) (models.DMPrivacy, error) {
	var setting string
	err := r.db.GetContext(ctx, &setting, `SELECT dm_privacy FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return models.DMPrivacy(setting), err
}

// IsFollowing reports whether followerID follows followeeID.
func (r *UserRepo) IsFollowing(ctx context.Context, followerID int64, followeeID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id=$1 AND followee_id=$2)`, followerID, followeeID)
	return exists, err
}

// IsBlocked reports whether either user has blocked the other.
func (r *UserRepo) IsBlocked(ctx context.Context, userA int64, userB int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM blocks
        WHERE (blocker_id=$1 AND blocked_id=$2) OR (blocker_id=$2 AND blocked_id=$1))`, userA, userB)
	return exists, err
}

package core

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LoginHistory tracks the live tokens of a single login, keyed by
// (user_id, login_at). logout_at mirrors the current access-token expiry.
type LoginHistory struct {
	UserID              string
	LoginAt             time.Time
	LogoutAt            time.Time
	RefreshCount        int
	CurrentAccessToken  string
	CurrentRefreshToken string
}

// LoginHistoryRepository defines persistence operations for login history.
type LoginHistoryRepository interface {
	Add(ctx context.Context, lh LoginHistory) error
	Get(ctx context.Context, userID string, loginAt time.Time) (*LoginHistory, error)
	Update(ctx context.Context, lh LoginHistory) error
	Remove(ctx context.Context, userID string, loginAt time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// PgLoginHistoryRepository is a pgx implementation.
// NOTE: Expects table `login_histories` with primary key (user_id, login_at).
type PgLoginHistoryRepository struct {
	db *pgxpool.Pool
}

func NewPgLoginHistoryRepository(db *pgxpool.Pool) *PgLoginHistoryRepository {
	return &PgLoginHistoryRepository{db: db}
}

func (r *PgLoginHistoryRepository) Add(ctx context.Context, lh LoginHistory) error {
	const q = `INSERT INTO login_histories (user_id, login_at, logout_at, refresh_count, current_access_token, current_refresh_token)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.db.Exec(ctx, q, lh.UserID, lh.LoginAt, lh.LogoutAt, lh.RefreshCount, lh.CurrentAccessToken, lh.CurrentRefreshToken)
	return wrapStoreErr(err)
}

func (r *PgLoginHistoryRepository) Get(ctx context.Context, userID string, loginAt time.Time) (*LoginHistory, error) {
	const q = `SELECT user_id, login_at, logout_at, refresh_count, current_access_token, current_refresh_token
FROM login_histories WHERE user_id=$1 AND login_at=$2`
	var lh LoginHistory
	if err := r.db.QueryRow(ctx, q, userID, loginAt).Scan(
		&lh.UserID, &lh.LoginAt, &lh.LogoutAt, &lh.RefreshCount, &lh.CurrentAccessToken, &lh.CurrentRefreshToken,
	); err != nil {
		return nil, wrapStoreErr(err)
	}
	return &lh, nil
}

func (r *PgLoginHistoryRepository) Update(ctx context.Context, lh LoginHistory) error {
	const q = `UPDATE login_histories
SET logout_at=$1, refresh_count=$2, current_access_token=$3, current_refresh_token=$4
WHERE user_id=$5 AND login_at=$6`
	ct, err := r.db.Exec(ctx, q, lh.LogoutAt, lh.RefreshCount, lh.CurrentAccessToken, lh.CurrentRefreshToken, lh.UserID, lh.LoginAt)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgLoginHistoryRepository) Remove(ctx context.Context, userID string, loginAt time.Time) error {
	_, err := r.db.Exec(ctx, `DELETE FROM login_histories WHERE user_id=$1 AND login_at=$2`, userID, loginAt)
	return wrapStoreErr(err)
}

// DeleteExpired prunes rows whose logout_at is older than the cutoff.
func (r *PgLoginHistoryRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ct, err := r.db.Exec(ctx, `DELETE FROM login_histories WHERE logout_at < $1`, before)
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return ct.RowsAffected(), nil
}

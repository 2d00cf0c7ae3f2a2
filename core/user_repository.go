package core

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRecord represents a user row as stored in persistence layer.
// user_id is the student-number-like business key.
type UserRecord struct {
	UserID          string
	Username        string
	Email           string
	HashedPassword  string
	Role            Role
	Disabled        bool
	CreatedAt       time.Time
	UpdatedAt       *time.Time
	ActiveStartDate *time.Time
	ActiveEndDate   *time.Time
}

// UserListItem is a projection for user listing (no password hash).
type UserListItem struct {
	UserID          string     `json:"user_id"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	Role            Role       `json:"role"`
	Disabled        bool       `json:"disabled"`
	CreatedAt       time.Time  `json:"created_at"`
	ActiveStartDate *time.Time `json:"active_start_date"`
	ActiveEndDate   *time.Time `json:"active_end_date"`
}

// UserCreateInput holds fields for user registration.
type UserCreateInput struct {
	UserID          string
	Username        string
	Email           string
	HashedPassword  string
	Role            Role
	Disabled        bool
	ActiveStartDate *time.Time
	ActiveEndDate   *time.Time
}

// UserUpdateInput holds mutable fields; nil leaves the column untouched.
type UserUpdateInput struct {
	Username        *string
	Email           *string
	HashedPassword  *string
	Role            *Role
	Disabled        *bool
	ActiveStartDate *time.Time
	ActiveEndDate   *time.Time
}

// UserRepository defines persistence operations for users.
type UserRepository interface {
	FindByUserID(ctx context.Context, userID string) (*UserRecord, error)
	Exists(ctx context.Context, userID string) (bool, error)
	Create(ctx context.Context, input UserCreateInput) (*UserRecord, error)
	Update(ctx context.Context, userID string, input UserUpdateInput) error
	Delete(ctx context.Context, userID string) error
	HasAdmin(ctx context.Context) (bool, error)
	List(ctx context.Context, page, perPage int) ([]UserListItem, int, error)
}

// PgUserRepository implements UserRepository using pgxpool.
// NOTE: Expects table `users` to exist.
type PgUserRepository struct {
	db *pgxpool.Pool
}

func NewPgUserRepository(db *pgxpool.Pool) *PgUserRepository {
	return &PgUserRepository{db: db}
}

func (r *PgUserRepository) FindByUserID(ctx context.Context, userID string) (*UserRecord, error) {
	const q = `SELECT user_id, username, email, hashed_password, role, disabled, created_at, updated_at, active_start_date, active_end_date
FROM users WHERE user_id=$1`
	var u UserRecord
	var role string
	if err := r.db.QueryRow(ctx, q, userID).Scan(
		&u.UserID, &u.Username, &u.Email, &u.HashedPassword, &role, &u.Disabled,
		&u.CreatedAt, &u.UpdatedAt, &u.ActiveStartDate, &u.ActiveEndDate,
	); err != nil {
		return nil, wrapStoreErr(err)
	}
	u.Role = Role(role)
	return &u, nil
}

func (r *PgUserRepository) Exists(ctx context.Context, userID string) (bool, error) {
	const q = `SELECT 1 FROM users WHERE user_id=$1`
	var one int
	if err := r.db.QueryRow(ctx, q, userID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *PgUserRepository) Create(ctx context.Context, input UserCreateInput) (*UserRecord, error) {
	const q = `INSERT INTO users (user_id, username, email, hashed_password, role, disabled, created_at, active_start_date, active_end_date)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),$7,$8)
RETURNING created_at`
	var created time.Time
	if err := r.db.QueryRow(ctx, q,
		input.UserID, input.Username, input.Email, input.HashedPassword, string(input.Role),
		input.Disabled, input.ActiveStartDate, input.ActiveEndDate,
	).Scan(&created); err != nil {
		return nil, wrapStoreErr(err)
	}
	return &UserRecord{
		UserID:          input.UserID,
		Username:        input.Username,
		Email:           input.Email,
		HashedPassword:  input.HashedPassword,
		Role:            input.Role,
		Disabled:        input.Disabled,
		CreatedAt:       created,
		ActiveStartDate: input.ActiveStartDate,
		ActiveEndDate:   input.ActiveEndDate,
	}, nil
}

func (r *PgUserRepository) Update(ctx context.Context, userID string, input UserUpdateInput) error {
	sets := []string{"updated_at=NOW()"}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+"=$"+strconv.Itoa(len(args)))
	}
	if input.Username != nil {
		add("username", *input.Username)
	}
	if input.Email != nil {
		add("email", *input.Email)
	}
	if input.HashedPassword != nil {
		add("hashed_password", *input.HashedPassword)
	}
	if input.Role != nil {
		add("role", string(*input.Role))
	}
	if input.Disabled != nil {
		add("disabled", *input.Disabled)
	}
	if input.ActiveStartDate != nil {
		add("active_start_date", *input.ActiveStartDate)
	}
	if input.ActiveEndDate != nil {
		add("active_end_date", *input.ActiveEndDate)
	}
	args = append(args, userID)
	q := "UPDATE users SET " + strings.Join(sets, ", ") + " WHERE user_id=$" + strconv.Itoa(len(args))
	ct, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgUserRepository) Delete(ctx context.Context, userID string) error {
	ct, err := r.db.Exec(ctx, `DELETE FROM users WHERE user_id=$1`, userID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgUserRepository) HasAdmin(ctx context.Context) (bool, error) {
	const q = `SELECT 1 FROM users WHERE role='admin' LIMIT 1`
	var one int
	if err := r.db.QueryRow(ctx, q).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns paginated users without password hash, ordered by user_id.
func (r *PgUserRepository) List(ctx context.Context, page, perPage int) ([]UserListItem, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}
	const countQ = `SELECT COUNT(*) FROM users`
	var total int
	if err := r.db.QueryRow(ctx, countQ).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT user_id, username, email, role, disabled, created_at, active_start_date, active_end_date
FROM users ORDER BY user_id LIMIT $1 OFFSET $2`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]UserListItem, 0, perPage)
	for rows.Next() {
		var u UserListItem
		var role string
		if err := rows.Scan(&u.UserID, &u.Username, &u.Email, &role, &u.Disabled, &u.CreatedAt, &u.ActiveStartDate, &u.ActiveEndDate); err != nil {
			return nil, 0, err
		}
		u.Role = Role(role)
		items = append(items, u)
	}
	return items, total, rows.Err()
}

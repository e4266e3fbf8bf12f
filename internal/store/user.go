package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/internal/db"
	"github.com/scopedauth/apiserver/types"
)

const userColumns = `id, username, email, full_name, hashed_password, disabled, scopes, created_at, updated_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

func NewUserRepository(db *sqlx.DB, log *zap.Logger) *UserRepository {
	return &UserRepository{db: db, log: log}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	var user types.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	var user types.User
	if err := r.db.GetContext(ctx, &user, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

// Create inserts user in a single statement. Duplicate usernames or emails
// are reported as *ConflictError; the unique constraints are the only
// arbiter so concurrent creates cannot both succeed.
func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	const query = `
		INSERT INTO users (username, email, full_name, hashed_password, disabled, scopes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + userColumns

	var created types.User
	err := db.WithTx(ctx, r.db, r.log, func(ctx context.Context, tx *sqlx.Tx) error {
		return tx.QueryRowxContext(
			ctx,
			query,
			user.Username,
			user.Email,
			user.FullName,
			user.PasswordHash,
			user.Disabled,
			user.Scopes,
		).StructScan(&created)
	})
	if err != nil {
		if conflict, ok := asConflict(err); ok {
			return types.User{}, conflict
		}
		return types.User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

// Update locks the row, applies mutate to it and writes it back in one
// transaction. updated_at always moves forward, even for updates landing in
// the same clock tick.
func (r *UserRepository) Update(ctx context.Context, id int64, mutate func(*types.User) error) (types.User, error) {
	const selectQuery = `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`
	const updateQuery = `
		UPDATE users
		SET username = $1,
			email = $2,
			full_name = $3,
			hashed_password = $4,
			disabled = $5,
			scopes = $6,
			updated_at = GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')
		WHERE id = $7
		RETURNING updated_at`

	var user types.User
	err := db.WithTx(ctx, r.db, r.log, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &user, selectQuery, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if err := mutate(&user); err != nil {
			return err
		}
		return tx.QueryRowxContext(
			ctx,
			updateQuery,
			user.Username,
			user.Email,
			user.FullName,
			user.PasswordHash,
			user.Disabled,
			user.Scopes,
			id,
		).Scan(&user.UpdatedAt)
	})
	if err != nil {
		if conflict, ok := asConflict(err); ok {
			return types.User{}, conflict
		}
		return types.User{}, err
	}
	return user, nil
}

// List returns users ordered by id. A non-positive limit returns every row
// after offset.
func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]types.User, error) {
	if offset < 0 {
		offset = 0
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	const query = `SELECT ` + userColumns + ` FROM users ORDER BY id LIMIT $1 OFFSET $2`
	users := []types.User{}
	if err := r.db.SelectContext(ctx, &users, query, limitArg, offset); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(1) FROM users`); err != nil {
		return 0, err
	}
	return total, nil
}

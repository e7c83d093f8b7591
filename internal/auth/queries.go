package auth

import (
	"context"
	"database/sql"
	"time"
)

// Queries はusersテーブルへのクエリをまとめたもの。
type Queries struct {
	db *sql.DB
}

// User はusersテーブルの1行。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

const userColumns = `id, email, password_hash, created_at, last_login_at`

// CreateUser はユーザーを1件挿入する。
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt.UnixNano(),
	)
	return err
}

// GetUserByEmail はメールアドレスでユーザーを取得する。存在しない場合はsql.ErrNoRowsを返す。
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

// GetUserByID はIDでユーザーを取得する。存在しない場合はsql.ErrNoRowsを返す。
func (q *Queries) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (q *Queries) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, at.UnixNano(), id)
	return err
}

func scanUser(row *sql.Row) (User, error) {
	var (
		u         User
		createdAt int64
		lastLogin sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &createdAt, &lastLogin); err != nil {
		return User{}, err
	}
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastLogin.Valid {
		t := time.Unix(0, lastLogin.Int64).UTC()
		u.LastLoginAt = &t
	}
	return u, nil
}

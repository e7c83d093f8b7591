package task

import (
	"context"
	"database/sql"
	"time"
)

// DBTX は*sql.DBと*sql.Txに共通するクエリ実行インターフェース。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries はtasksテーブルへのクエリをまとめたもの。
type Queries struct {
	db DBTX
}

// New は新しいQueriesを生成する。
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Task はtasksテーブルの1行。
type Task struct {
	ID          string
	Title       string
	Description string
	IsCompleted bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const taskColumns = `id, title, description, is_completed, created_by, created_at, updated_at`

// CreateTaskParams はCreateTaskの引数。
type CreateTaskParams struct {
	ID          string
	Title       string
	Description string
	IsCompleted bool
	CreatedBy   string
	CreatedAt   time.Time
}

// CreateTask はタスクを1件挿入する。
func (q *Queries) CreateTask(ctx context.Context, arg CreateTaskParams) error {
	now := arg.CreatedAt.UnixNano()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.Title, arg.Description, boolToInt(arg.IsCompleted), arg.CreatedBy, now, now,
	)
	return err
}

// GetTaskByID はIDでタスクを取得する。存在しない場合はsql.ErrNoRowsを返す。
func (q *Queries) GetTaskByID(ctx context.Context, id string) (Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks は全タスクを作成順に返す。
func (q *Queries) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskParams はUpdateTaskの引数。
type UpdateTaskParams struct {
	ID          string
	Title       string
	Description string
	IsCompleted bool
	UpdatedAt   time.Time
}

// UpdateTask はタスクの内容を置き換え、更新した行数を返す。
func (q *Queries) UpdateTask(ctx context.Context, arg UpdateTaskParams) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, is_completed = ?, updated_at = ? WHERE id = ?`,
		arg.Title, arg.Description, boolToInt(arg.IsCompleted), arg.UpdatedAt.UnixNano(), arg.ID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteTask はタスクを削除し、削除した行数を返す。
func (q *Queries) DeleteTask(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (Task, error) {
	var (
		t                    Task
		completed            int64
		createdAt, updatedAt int64
	)
	if err := s.Scan(&t.ID, &t.Title, &t.Description, &completed, &t.CreatedBy, &createdAt, &updatedAt); err != nil {
		return Task{}, err
	}
	t.IsCompleted = completed != 0
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return t, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

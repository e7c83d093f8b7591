package notification

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/tasknotify/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// markDeliveredChunk はMarkDeliveredで1回のUPDATEに含めるIDの最大数。
const markDeliveredChunk = 500

// SQLiteStore はSQLiteを使ったStoreの実装。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。呼び出し元と共有する。
	db *sql.DB
	// now は配信日時の記録に使う時計。
	now func() time.Time
}

// NewSQLiteStore はマイグレーションを適用してSQLiteStoreを生成する。
// dbは呼び出し元が所有し、Closeでは閉じない。
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := migration.Run(ctx, db, migrations, "migrations", "notification"); err != nil {
		return nil, fmt.Errorf("通知テーブルのマイグレーションに失敗: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Create は未配信状態の通知レコードを保存する。
func (s *SQLiteStore) Create(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, message, created_at, delivered) VALUES (?, ?, ?, ?, 0)`,
		r.ID, r.UserID, r.Message, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storageError("create", err)
	}
	return nil
}

// ListPending はユーザーの未配信レコードを作成日時の昇順、同時刻は挿入順で返す。
func (s *SQLiteStore) ListPending(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, message, created_at, delivered FROM notifications
		 WHERE user_id = ? AND delivered = 0
		 ORDER BY created_at ASC, seq ASC`,
		userID,
	)
	if err != nil {
		return nil, storageError("list_pending", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, storageError("list_pending", err)
	}
	return records, nil
}

// MarkDelivered は指定されたレコードを配信済みにする。
// 既に配信済みのレコードは更新しない。
func (s *SQLiteStore) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("mark_delivered", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deliveredAt := s.now().UnixNano()
	for start := 0; start < len(ids); start += markDeliveredChunk {
		chunk := ids[start:min(start+markDeliveredChunk, len(ids))]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, deliveredAt)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		query := `UPDATE notifications SET delivered = 1, delivered_at = ?
			WHERE delivered = 0 AND id IN (` + placeholders + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return storageError("mark_delivered", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageError("mark_delivered", err)
	}
	return nil
}

// ListByUser はユーザーの通知履歴を新しい順に最大limit件返す。
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, message, created_at, delivered FROM notifications
		 WHERE user_id = ?
		 ORDER BY created_at DESC, seq DESC
		 LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, storageError("list_by_user", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, storageError("list_by_user", err)
	}
	return records, nil
}

// Close は何もしない。データベース接続は呼び出し元が閉じる。
func (s *SQLiteStore) Close() error {
	return nil
}

// scanRecords は行を読み出してRecordのスライスに変換し、rowsを閉じる。
func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			r         Record
			createdAt int64
			delivered int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Message, &createdAt, &delivered); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.Delivered = delivered != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

package notification

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record は1件の通知レコードを表す。
// Delivered以外のフィールドは作成後に変更されない。
type Record struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。空にはならない。
	UserID string `json:"user_id"`
	// Message はクライアントに表示する通知文。
	Message string `json:"message"`
	// CreatedAt は通知の作成日時。バックログの再送順序を決める。
	CreatedAt time.Time `json:"created_at"`
	// Delivered は配信済みかどうか。falseからtrueへ一度だけ遷移する。
	Delivered bool `json:"delivered"`
}

// Message はチャネルへ送信される1件のメッセージ。
// クライアントはTextを不透明な文字列として扱える。
type Message struct {
	// ID は元になった通知レコードのID。
	ID string
	// Text は表示用の通知文。
	Text string
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time
}

// messageOf は通知レコードから送信用メッセージを作る。
func messageOf(r Record) Message {
	return Message{ID: r.ID, Text: r.Message, CreatedAt: r.CreatedAt}
}

// Store は通知レコードの永続化層。
// 実装は並行呼び出しに対して安全でなければならない。
type Store interface {
	// Create は未配信状態の通知レコードを保存する。
	Create(ctx context.Context, r Record) error
	// ListPending はユーザーの未配信レコードを作成日時の昇順で返す。
	// 同時刻のレコードは挿入順に並ぶ。返り値は呼び出し時点のスナップショット。
	ListPending(ctx context.Context, userID string) ([]Record, error)
	// MarkDelivered は指定されたレコードを配信済みにする。
	// 配信済みのIDや存在しないIDを含んでいてもエラーにしない。
	MarkDelivered(ctx context.Context, ids []string) error
	// ListByUser はユーザーの通知履歴を新しい順に最大limit件返す。
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)
	// Close はストアが保持する資源を解放する。
	Close() error
}

var (
	// ErrChannelClosed はチャネルが既に切断されていることを表す。
	ErrChannelClosed = errors.New("チャネルは切断済みです")
	// ErrInvalidMutation はミューテーションイベントが不正であることを表す。
	ErrInvalidMutation = errors.New("ミューテーションイベントが不正です")
)

// StorageError は通知ストアへのアクセス失敗を表す。
// ストアに到達できない場合や書き込みが拒否された場合に返される。
type StorageError struct {
	// Op は失敗した操作名（create, list_pending, mark_delivered など）。
	Op string
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *StorageError) Error() string {
	return fmt.Sprintf("通知ストアの%s操作に失敗: %v", e.Op, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageError はerrをStorageErrorで包む。既にStorageErrorの場合はそのまま返す。
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// TransportError は特定のチャネルへの送信失敗を表す。
// 他のチャネルへの配信を止めることはない。
type TransportError struct {
	// ConnectionID は送信に失敗した接続のID。
	ConnectionID string
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *TransportError) Error() string {
	return fmt.Sprintf("接続 %s への送信に失敗: %v", e.ConnectionID, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *TransportError) Unwrap() error {
	return e.Err
}

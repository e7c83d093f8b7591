package notification

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// fakeChannel はテスト用のChannel実装。受信したメッセージを記録する。
type fakeChannel struct {
	mu sync.Mutex
	// received は送信に成功したメッセージ。
	received []Message
	// attempts は切断前に行われた送信の試行回数。
	attempts int
	// failOn は失敗させる試行番号（1始まり）。
	failOn map[int]bool
	// closeAfter はこの件数を受信した時点で切断する。0なら切断しない。
	closeAfter int
	done       chan struct{}
	closeOnce  sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{}), failOn: map[int]bool{}}
}

func (f *fakeChannel) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.done:
		return ErrChannelClosed
	default:
	}

	f.attempts++
	if f.failOn[f.attempts] {
		return errors.New("送信バッファが一杯です")
	}
	f.received = append(f.received, msg)
	if f.closeAfter > 0 && len(f.received) == f.closeAfter {
		f.close()
	}
	return nil
}

func (f *fakeChannel) Done() <-chan struct{} {
	return f.done
}

func (f *fakeChannel) close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// texts は受信したメッセージ本文を順に返す。
func (f *fakeChannel) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.received))
	for _, m := range f.received {
		out = append(out, m.Text)
	}
	return out
}

// failingStore は常にエラーを返すStore実装。
type failingStore struct {
	err error
}

func (s failingStore) Create(context.Context, Record) error { return s.err }
func (s failingStore) ListPending(context.Context, string) ([]Record, error) {
	return nil, s.err
}
func (s failingStore) MarkDelivered(context.Context, []string) error { return s.err }
func (s failingStore) ListByUser(context.Context, string, int) ([]Record, error) {
	return nil, s.err
}
func (s failingStore) Close() error { return nil }

// setupTestStore はインメモリSQLiteでSQLiteStoreを構築する。
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	// インメモリDBは接続ごとに別物になるため1接続に固定する
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(t.Context(), db)
	if err != nil {
		t.Fatalf("SQLiteStoreの作成に失敗: %v", err)
	}
	return store
}

// steppingClock は呼び出すたびに1ミリ秒ずつ進む時計を返す。
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

// createRecord はテスト用に通知レコードを直接保存する。
func createRecord(t *testing.T, store Store, id, userID, message string, createdAt time.Time) {
	t.Helper()

	err := store.Create(t.Context(), Record{
		ID:        id,
		UserID:    userID,
		Message:   message,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
}

// pendingMessages はユーザーの未配信メッセージ本文を順に返す。
func pendingMessages(t *testing.T, store Store, userID string) []string {
	t.Helper()

	records, err := store.ListPending(t.Context(), userID)
	if err != nil {
		t.Fatalf("未配信通知の取得に失敗: %v", err)
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Message)
	}
	return out
}

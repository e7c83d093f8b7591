package notification

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mongoURIEnv はMongoStoreのテストで使う接続先を指定する環境変数。
// 未設定の場合はテストをスキップする。
const mongoURIEnv = "TASKNOTIFY_TEST_MONGO_URI"

// setupTestMongoStore はテストごとに専用のデータベースを使うMongoStoreを作成する。
// データベースはテスト終了時に削除する。
func setupTestMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := os.Getenv(mongoURIEnv)
	if uri == "" {
		t.Skipf("%sが未設定のためMongoDBのテストをスキップします", mongoURIEnv)
	}

	database := "tasknotify_test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	store, err := OpenMongoStore(ctx, uri, database)
	if err != nil {
		t.Fatalf("MongoStoreの作成に失敗: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		if err := store.client.Database(database).Drop(dropCtx); err != nil {
			t.Logf("テスト用データベースの削除に失敗: %v", err)
		}
		store.Close()
	})
	return store
}

// TestMongoStore はMongoStoreがSQLiteStoreと同じ順序と配信状態の規則に従うことを検証する。
func TestMongoStore(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	t.Run("同時刻のレコードは挿入順で返すこと", func(t *testing.T) {
		t.Parallel()
		store := setupTestMongoStore(t)

		createRecord(t, store, "z", "u1", "first", base)
		createRecord(t, store, "a", "u1", "second", base)
		createRecord(t, store, "m", "u1", "third", base)

		got := pendingMessages(t, store, "u1")
		if want := []string{"first", "second", "third"}; !slices.Equal(got, want) {
			t.Errorf("ListPending() = %v, want %v", got, want)
		}
	})

	t.Run("ミリ秒未満の差も作成日時の昇順で並びナノ秒精度で復元されること", func(t *testing.T) {
		t.Parallel()
		store := setupTestMongoStore(t)

		later := base.Add(300 * time.Nanosecond)
		createRecord(t, store, "n-2", "u1", "later", later)
		createRecord(t, store, "n-1", "u1", "earlier", base.Add(100*time.Nanosecond))

		records, err := store.ListPending(t.Context(), "u1")
		if err != nil {
			t.Fatalf("ListPending()でエラーが発生: %v", err)
		}
		if len(records) != 2 || records[0].Message != "earlier" || records[1].Message != "later" {
			t.Fatalf("ListPending() = %+v, want [earlier later]", records)
		}
		if !records[1].CreatedAt.Equal(later) {
			t.Errorf("CreatedAt = %v, want %v", records[1].CreatedAt, later)
		}
	})

	t.Run("配信済みと他ユーザーのレコードは含まれずMarkDeliveredは冪等であること", func(t *testing.T) {
		t.Parallel()
		store := setupTestMongoStore(t)

		createRecord(t, store, "n-1", "u1", "A", base)
		createRecord(t, store, "n-2", "u1", "B", base.Add(time.Second))
		createRecord(t, store, "n-3", "u2", "other", base)

		for range 2 {
			if err := store.MarkDelivered(t.Context(), []string{"n-1", "missing"}); err != nil {
				t.Fatalf("MarkDelivered()でエラーが発生: %v", err)
			}
		}
		if err := store.MarkDelivered(t.Context(), nil); err != nil {
			t.Errorf("MarkDelivered(空) = %v, want nil", err)
		}

		if got := pendingMessages(t, store, "u1"); !slices.Equal(got, []string{"B"}) {
			t.Errorf("ListPending(u1) = %v, want [B]", got)
		}

		history, err := store.ListByUser(t.Context(), "u1", 10)
		if err != nil {
			t.Fatalf("ListByUser()でエラーが発生: %v", err)
		}
		if len(history) != 2 || history[0].ID != "n-2" || history[1].ID != "n-1" || !history[1].Delivered {
			t.Errorf("ListByUser() = %+v, want [n-2 n-1(配信済み)]", history)
		}
	})

	t.Run("IDが重複する場合はStorageErrorを返すこと", func(t *testing.T) {
		t.Parallel()
		store := setupTestMongoStore(t)

		createRecord(t, store, "dup", "u1", "A", base)
		err := store.Create(t.Context(), Record{ID: "dup", UserID: "u1", Message: "B", CreatedAt: base})

		var se *StorageError
		if !errors.As(err, &se) || se.Op != "create" {
			t.Errorf("Create(重複) = %v, want StorageError{Op: create}", err)
		}
	})
}

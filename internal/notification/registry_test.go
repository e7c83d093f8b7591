package notification

import (
	"fmt"
	"slices"
	"sync"
	"testing"
)

// TestRegistry は接続テーブルの登録と解除を検証する。
func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("ユーザーごとのバケットに登録されること", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		r.Register("c1", "u1", newFakeChannel())
		r.Register("c2", "u1", newFakeChannel())
		r.Register("c3", "u2", newFakeChannel())
		r.Register("c4", "", newFakeChannel())

		if got := r.ChannelsFor("u1"); !slices.Equal(got, []string{"c1", "c2"}) {
			t.Errorf("ChannelsFor(u1) = %v, want [c1 c2]", got)
		}
		if got := r.ChannelsFor(""); !slices.Equal(got, []string{"c4"}) {
			t.Errorf("ChannelsFor(匿名) = %v, want [c4]", got)
		}
		if got := r.AllChannels(); !slices.Equal(got, []string{"c1", "c2", "c3", "c4"}) {
			t.Errorf("AllChannels() = %v, want [c1 c2 c3 c4]", got)
		}
	})

	t.Run("接続がないユーザーは空のスライスを返すこと", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		got := r.ChannelsFor("nobody")
		if got == nil || len(got) != 0 {
			t.Errorf("ChannelsFor(nobody) = %#v, want 空のスライス", got)
		}
	})

	t.Run("同じ接続IDの再登録は上書きされバケットも移動すること", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		first := newFakeChannel()
		second := newFakeChannel()
		if !r.Register("c1", "u1", first) {
			t.Error("新しい接続IDのRegister()がfalseを返した")
		}
		if r.Register("c1", "u2", second) {
			t.Error("上書きのRegister()がtrueを返した")
		}

		if got := r.ChannelsFor("u1"); len(got) != 0 {
			t.Errorf("ChannelsFor(u1) = %v, want []", got)
		}
		if got := r.ChannelsFor("u2"); !slices.Equal(got, []string{"c1"}) {
			t.Errorf("ChannelsFor(u2) = %v, want [c1]", got)
		}
		ch, ok := r.Lookup("c1")
		if !ok || ch != second {
			t.Error("Lookup(c1)が上書き後のチャネルを返さない")
		}
		if r.Len() != 1 {
			t.Errorf("Len() = %d, want 1", r.Len())
		}
	})

	t.Run("未登録の接続IDの解除は何もしないこと", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		r.Register("c1", "u1", newFakeChannel())

		if r.Unregister("unknown") {
			t.Error("Unregister(unknown)がtrueを返した")
		}
		if !r.Unregister("c1") {
			t.Error("Unregister(c1)がfalseを返した")
		}
		if r.Unregister("c1") {
			t.Error("2回目のUnregister(c1)がtrueを返した")
		}
		if _, ok := r.Lookup("c1"); ok {
			t.Error("解除後もLookup(c1)が成功した")
		}
		if got := r.AllChannels(); len(got) != 0 {
			t.Errorf("AllChannels() = %v, want []", got)
		}
	})
}

// TestRegistryConcurrent は並行した登録と解除で更新が失われないことを検証する。
func TestRegistryConcurrent(t *testing.T) {
	t.Parallel()

	t.Run("別IDの登録と解除が並行しても両方の結果が残ること", func(t *testing.T) {
		t.Parallel()

		for round := range 200 {
			r := NewRegistry()
			r.Register("c2", "U", newFakeChannel())

			var wg sync.WaitGroup
			wg.Go(func() { r.Register("c1", "U", newFakeChannel()) })
			wg.Go(func() { r.Unregister("c2") })
			wg.Wait()

			if got := r.ChannelsFor("U"); !slices.Equal(got, []string{"c1"}) {
				t.Fatalf("round %d: ChannelsFor(U) = %v, want [c1]", round, got)
			}
		}
	})

	t.Run("多数の接続を並行に登録し半数を解除しても整合すること", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()

		const n = 100
		var wg sync.WaitGroup
		for i := range n {
			wg.Go(func() {
				id := fmt.Sprintf("c%03d", i)
				r.Register(id, fmt.Sprintf("u%d", i%5), newFakeChannel())
				if i%2 == 0 {
					r.Unregister(id)
				}
			})
			// 参照も並行して行う
			wg.Go(func() { _ = r.AllChannels() })
		}
		wg.Wait()

		if got := r.Len(); got != n/2 {
			t.Errorf("Len() = %d, want %d", got, n/2)
		}
		total := 0
		for u := range 5 {
			total += len(r.ChannelsFor(fmt.Sprintf("u%d", u)))
		}
		if total != n/2 {
			t.Errorf("バケットの合計 = %d, want %d", total, n/2)
		}
	})
}

package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/tasknotify/pkg/event"
)

// Coordinator はStoreとRegistryを結び付け、配信プロトコルを実行する。
// ミューテーション発生時の保存と一斉配信、接続時のバックログ再送を担当する。
type Coordinator struct {
	// store は通知レコードの永続化層。
	store Store
	// registry は現在の接続テーブル。
	registry *Registry
	// metrics は配信メトリクス。nilでもよい。
	metrics *Metrics
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// Option はCoordinatorの設定を変更する関数。
type Option func(*Coordinator)

// WithMetrics は配信メトリクスを設定する。
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock は通知の作成日時に使う時計を設定する。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator は新しいCoordinatorを生成する。
func NewCoordinator(store Store, registry *Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry はCoordinatorが使用する接続テーブルを返す。
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// OnMutation はミューテーションイベントから通知レコードを作成し、全接続へ配信する。
// 送信より先に保存するため、送信前に停止しても次回接続時のバックログ再送で回復できる。
// 保存に失敗した場合は*StorageErrorを返し、配信は行わない。
// 配信先は常に全接続で、レコードは操作ユーザーのIDで保存される。
func (c *Coordinator) OnMutation(ctx context.Context, m event.Mutation) (Record, error) {
	if m.ActingUserID == "" {
		return Record{}, fmt.Errorf("%w: 操作ユーザーIDが空です", ErrInvalidMutation)
	}
	text, err := m.Message()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	rec := Record{
		ID:        uuid.New().String(),
		UserID:    m.ActingUserID,
		Message:   text,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return Record{}, storageError("create", err)
	}
	c.metrics.recordCreated()

	sent := c.broadcast(ctx, messageOf(rec))
	log.Printf("[Coordinator] 通知 %s を %d 件の接続へ配信しました", rec.ID, sent)
	return rec, nil
}

// broadcast は呼び出し時点で登録されているすべての接続へメッセージを送信する。
// 1つの接続での失敗は記録するだけで、他の接続への送信は継続する。
// 送信に成功した接続数を返す。
func (c *Coordinator) broadcast(ctx context.Context, msg Message) int {
	regs := c.registry.snapshot()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for _, reg := range regs {
		wg.Go(func() {
			if err := c.sendIsolated(ctx, reg, msg); err != nil {
				c.metrics.recordSend(pathBroadcast, err)
				log.Printf("[Coordinator] %v", err)
				return
			}
			c.metrics.recordSend(pathBroadcast, nil)
			mu.Lock()
			sent++
			mu.Unlock()
		})
	}
	wg.Wait()
	return sent
}

// sendIsolated は1接続への送信を行い、失敗やパニックをTransportErrorに変換する。
func (c *Coordinator) sendIsolated(ctx context.Context, reg registration, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TransportError{ConnectionID: reg.connectionID, Err: fmt.Errorf("送信中にパニックが発生: %v", r)}
		}
	}()
	if err := reg.channel.Send(ctx, msg); err != nil {
		return &TransportError{ConnectionID: reg.connectionID, Err: err}
	}
	return nil
}

// OnConnect は接続を登録し、ユーザーの未配信通知をこの接続だけに作成順で再送する。
// 送信を試みたレコードは、送信に失敗したものも含めて最後にまとめて配信済みにする。
// 途中でチャネルが切断された場合はエラーにせず送信を打ち切り、
// 未送信のレコードは次回の接続まで未配信のまま残す。
// userIDが空の接続は登録のみ行う。
func (c *Coordinator) OnConnect(ctx context.Context, connectionID, userID string, ch Channel) error {
	if c.registry.Register(connectionID, userID, ch) {
		c.metrics.connectionOpened()
	}

	if userID == "" {
		return nil
	}

	pending, err := c.store.ListPending(ctx, userID)
	if err != nil {
		return storageError("list_pending", err)
	}

	attempted := make([]string, 0, len(pending))
	for _, rec := range pending {
		if closed(ctx, ch) {
			break
		}
		err := ch.Send(ctx, messageOf(rec))
		if errors.Is(err, ErrChannelClosed) || ctx.Err() != nil {
			break
		}
		attempted = append(attempted, rec.ID)
		c.metrics.recordSend(pathBacklog, err)
		if err != nil {
			// 送信に失敗しても配信済みとして扱い、再送はしない
			log.Printf("[Coordinator] %v", &TransportError{ConnectionID: connectionID, Err: err})
		}
	}

	if len(attempted) == 0 {
		return nil
	}

	// 切断後でも既に送信を試みたレコードは確実に記録する
	if err := c.store.MarkDelivered(context.WithoutCancel(ctx), attempted); err != nil {
		return storageError("mark_delivered", err)
	}
	log.Printf("[Coordinator] 接続 %s に未配信通知 %d/%d 件を再送しました", connectionID, len(attempted), len(pending))
	return nil
}

// OnDisconnect は接続をRegistryから取り除く。未登録の接続IDでも何もしない。
func (c *Coordinator) OnDisconnect(connectionID string) {
	if c.registry.Unregister(connectionID) {
		c.metrics.connectionClosed()
	}
}

// closed はコンテキストが終了しているか、チャネルが切断されているかを返す。
func closed(ctx context.Context, ch Channel) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-ch.Done():
		return true
	default:
		return false
	}
}

// History はユーザーの通知履歴を配信状態を含めて新しい順に最大limit件返す。
func (c *Coordinator) History(ctx context.Context, userID string, limit int) ([]Record, error) {
	records, err := c.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, storageError("list_by_user", err)
	}
	return records, nil
}

// Pending はユーザーの未配信通知を作成順に返す。配信済みにはしない。
func (c *Coordinator) Pending(ctx context.Context, userID string) ([]Record, error) {
	records, err := c.store.ListPending(ctx, userID)
	if err != nil {
		return nil, storageError("list_pending", err)
	}
	return records, nil
}

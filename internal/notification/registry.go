package notification

import (
	"context"
	"slices"
	"sync"
)

// Channel はクライアントとの永続的な送信路。
// チャネルの生成と破棄はトランスポート層が行い、Registryは送信のためだけに参照する。
type Channel interface {
	// Send はメッセージを1件送信する。切断済みの場合はErrChannelClosedを返す。
	Send(ctx context.Context, msg Message) error
	// Done はチャネルが切断されたときにcloseされるチャネルを返す。
	Done() <-chan struct{}
}

// registration はRegistryに登録された1接続の情報。
type registration struct {
	// connectionID は物理チャネルごとの一意識別子。
	connectionID string
	// userID は接続時に解決されたユーザーID。未認証なら空。
	userID string
	// channel は送信先のチャネル。
	channel Channel
}

// Registry はユーザーIDから現在開いている接続の集合への対応表。
// すべての変更はRegisterとUnregisterを通じて行われ、ミューテックスで直列化される。
type Registry struct {
	// mu はconnsとbyUserを保護する。
	mu sync.RWMutex
	// conns は接続IDから登録情報への対応。
	conns map[string]registration
	// byUser はユーザーIDから接続IDの集合への対応。未認証の接続は空文字列のキーに入る。
	byUser map[string]map[string]struct{}
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]registration),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register は接続をユーザーのバケットに追加する。
// userIDが空の場合は未認証バケットに入る。同じ接続IDが既にあれば上書きする。
// 新しい接続IDを追加した場合はtrue、上書きした場合はfalseを返す。
func (r *Registry) Register(connectionID, userID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, replaced := r.conns[connectionID]
	if replaced {
		r.removeLocked(old)
	}

	r.conns[connectionID] = registration{
		connectionID: connectionID,
		userID:       userID,
		channel:      ch,
	}
	bucket, ok := r.byUser[userID]
	if !ok {
		bucket = make(map[string]struct{})
		r.byUser[userID] = bucket
	}
	bucket[connectionID] = struct{}{}
	return !replaced
}

// Unregister は接続をRegistryから取り除く。
// 登録されていない接続IDに対しては何もしない。
// 取り除いた場合はtrueを返す。
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	r.removeLocked(reg)
	return true
}

// removeLocked はmuを保持した状態で登録情報を削除する。
func (r *Registry) removeLocked(reg registration) {
	delete(r.conns, reg.connectionID)
	bucket := r.byUser[reg.userID]
	delete(bucket, reg.connectionID)
	if len(bucket) == 0 {
		delete(r.byUser, reg.userID)
	}
}

// ChannelsFor はユーザーの接続IDを昇順で返す。接続がなければ空のスライスを返す。
func (r *Registry) ChannelsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// AllChannels はすべてのユーザーの接続IDを昇順で返す。
func (r *Registry) AllChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Lookup は接続IDに対応するチャネルを返す。
func (r *Registry) Lookup(connectionID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.conns[connectionID]
	if !ok {
		return nil, false
	}
	return reg.channel, true
}

// Len は登録中の接続数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// snapshot は呼び出し時点のすべての登録情報を返す。
// 一斉配信はロックを解放した後にこのスナップショットへ送信する。
func (r *Registry) snapshot() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]registration, 0, len(r.conns))
	for _, reg := range r.conns {
		regs = append(regs, reg)
	}
	return regs
}

package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nao1215/tasknotify/internal/notification"
)

// ErrSendTimeout は送信キューが空かないまま待ち時間を超えたことを表す。
var ErrSendTimeout = errors.New("送信がタイムアウトしました")

// sseChannel は1本のSSEストリームに対応するnotification.Channelの実装。
// Sendはキューに積むだけで、ストリームへの書き込みはハンドラーのループが行う。
type sseChannel struct {
	// queue は書き込み待ちのメッセージ。
	queue chan notification.Message
	// done はストリームの終了で閉じられる。
	done chan struct{}
	// closeOnce はdoneを一度だけ閉じるためのもの。
	closeOnce sync.Once
	// timeout はキューが一杯のときに待つ上限。
	timeout time.Duration
}

func newSSEChannel(bufferSize int, timeout time.Duration) *sseChannel {
	return &sseChannel{
		queue:   make(chan notification.Message, bufferSize),
		done:    make(chan struct{}),
		timeout: timeout,
	}
}

// Send はメッセージを書き込みキューに積む。
// 切断済みならnotification.ErrChannelClosed、待ち時間を超えたらErrSendTimeoutを返す。
func (s *sseChannel) Send(ctx context.Context, msg notification.Message) error {
	select {
	case <-s.done:
		return notification.ErrChannelClosed
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.queue <- msg:
		return nil
	case <-s.done:
		return notification.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Done はストリームが終了すると閉じられるチャネルを返す。
func (s *sseChannel) Done() <-chan struct{} {
	return s.done
}

// Close はチャネルを切断済みにする。複数回呼んでもよい。
func (s *sseChannel) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

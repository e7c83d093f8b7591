package hub

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/tasknotify/internal/notification"
	"github.com/nao1215/tasknotify/pkg/event"
	"github.com/nao1215/tasknotify/pkg/middleware"
)

// SSEのイベント名。
const (
	// EventReceiveMessage は通知文を運ぶイベント。
	EventReceiveMessage = "ReceiveMessage"
	// EventConnected は接続の登録とバックログ再送が終わったことを知らせるイベント。
	EventConnected = "connected"
	// EventPing はアイドル中の接続を維持するためのイベント。
	EventPing = "ping"
)

// 通知履歴APIの件数。
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Config はハブの動作設定。
type Config struct {
	// SendTimeout は1接続への送信で書き込みキューが空くのを待つ上限。
	SendTimeout time.Duration
	// BufferSize は1接続あたりの書き込みキューの長さ。
	BufferSize int
	// Heartbeat はpingイベントを送る間隔。
	Heartbeat time.Duration
}

// DefaultConfig はハブの既定設定を返す。
func DefaultConfig() Config {
	return Config{
		SendTimeout: 5 * time.Second,
		BufferSize:  64,
		Heartbeat:   25 * time.Second,
	}
}

// Handler は通知チャネルのHTTPハンドラー群。
type Handler struct {
	// coordinator は配信プロトコルを実行する。
	coordinator *notification.Coordinator
	// cfg はハブの動作設定。
	cfg Config
}

// NewHandler は新しいHandlerを生成する。cfgのゼロ値の項目は既定値で補う。
func NewHandler(coordinator *notification.Coordinator, cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	return &Handler{coordinator: coordinator, cfg: cfg}
}

// Register はルーティングを設定する。
// streamAuthはストリーム接続用、apiAuthはそれ以外のAPI用の認証ミドルウェア。
func (h *Handler) Register(router gin.IRouter, streamAuth, apiAuth gin.HandlerFunc) {
	hubs := router.Group("/hubs/notifications")
	{
		// 通知ストリーム
		hubs.GET("", streamAuth, h.handleStream())
		// 全接続への一斉配信
		hubs.POST("/messages", apiAuth, h.handlePost())
	}

	notifications := router.Group("/api/notifications", apiAuth)
	{
		// 通知履歴
		notifications.GET("", h.handleHistory())
		// 未配信通知の確認
		notifications.GET("/pending", h.handlePending())
	}
}

// handleStream はSSEストリームを開き、接続が終わるまで通知を書き込むハンドラー。
// 接続の登録とバックログ再送は別のgoroutineで行い、その完了を待ってから登録を解除する。
func (h *Handler) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := middleware.GetUserID(c)
		connectionID := uuid.New().String()
		ch := newSSEChannel(h.cfg.BufferSize, h.cfg.SendTimeout)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
		c.Writer.Flush()

		replayed := make(chan struct{})
		go func() {
			defer close(replayed)
			if err := h.coordinator.OnConnect(ctx, connectionID, userID, ch); err != nil {
				log.Printf("[Hub] 接続 %s のバックログ再送に失敗: %v", connectionID, err)
			}
		}()
		log.Printf("[Hub] 接続 %s を開きました (user=%q)", connectionID, userID)

		defer func() {
			ch.Close()
			<-replayed
			h.coordinator.OnDisconnect(connectionID)
			log.Printf("[Hub] 接続 %s を閉じました", connectionID)
		}()

		heartbeat := time.NewTicker(h.cfg.Heartbeat)
		defer heartbeat.Stop()

		write := func(ev sse.Event) bool {
			if err := sse.Encode(c.Writer, ev); err != nil {
				log.Printf("[Hub] 接続 %s への書き込みに失敗: %v", connectionID, err)
				return false
			}
			c.Writer.Flush()
			return true
		}

		ready := replayed
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch.queue:
				if !write(messageEvent(msg)) {
					return
				}
			case <-ready:
				ready = nil
				// 再送でキューに積まれた通知をすべて書き出してからconnectedを送る
				if !drain(ch, write) || !write(sse.Event{Event: EventConnected, Data: connectionID}) {
					return
				}
			case <-heartbeat.C:
				if !write(sse.Event{Event: EventPing, Data: strconv.FormatInt(time.Now().Unix(), 10)}) {
					return
				}
			}
		}
	}
}

func messageEvent(msg notification.Message) sse.Event {
	return sse.Event{Event: EventReceiveMessage, Id: msg.ID, Data: msg.Text}
}

// drain は呼び出し時点でキューにある通知を書き出す。書き込みに失敗した場合はfalseを返す。
func drain(ch *sseChannel, write func(sse.Event) bool) bool {
	for n := len(ch.queue); n > 0; n-- {
		if !write(messageEvent(<-ch.queue)) {
			return false
		}
	}
	return true
}

// postRequest は一斉配信リクエストのJSON構造。
type postRequest struct {
	// Message は配信する通知文。
	Message string `json:"message" binding:"required"`
}

// recordResponse は通知レコードのJSONレスポンス構造。
type recordResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// UserID は通知の記録先ユーザーID。
	UserID string `json:"user_id"`
	// Message は通知文。
	Message string `json:"message"`
	// Delivered は配信済みかどうか。
	Delivered bool `json:"delivered"`
	// CreatedAt は作成日時（RFC3339Nano形式）。
	CreatedAt string `json:"created_at"`
}

func toRecordResponse(r notification.Record) recordResponse {
	return recordResponse{
		ID:        r.ID,
		UserID:    r.UserID,
		Message:   r.Message,
		Delivered: r.Delivered,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toRecordResponses(records []notification.Record) []recordResponse {
	out := make([]recordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toRecordResponse(r))
	}
	return out
}

// handlePost はクライアントから送られた通知文を全接続へ配信するハンドラー。
func (h *Handler) handlePost() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req postRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "messageは必須です"})
			return
		}

		rec, err := h.coordinator.OnMutation(c.Request.Context(), event.Broadcast(userID, req.Message))
		if err != nil {
			writeError(c, err, "通知の配信に失敗しました")
			return
		}

		c.JSON(http.StatusCreated, toRecordResponse(rec))
	}
}

// handleHistory は認証済みユーザーの通知履歴を返すハンドラー。
func (h *Handler) handleHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		limit := defaultHistoryLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitは正の整数で指定してください"})
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		records, err := h.coordinator.History(c.Request.Context(), userID, limit)
		if err != nil {
			writeError(c, err, "通知履歴の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, toRecordResponses(records))
	}
}

// handlePending は認証済みユーザーの未配信通知を返すハンドラー。
func (h *Handler) handlePending() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		records, err := h.coordinator.Pending(c.Request.Context(), userID)
		if err != nil {
			writeError(c, err, "未配信通知の取得に失敗しました")
			return
		}

		c.JSON(http.StatusOK, toRecordResponses(records))
	}
}

// writeError は配信層のエラーをHTTPステータスに変換して返す。
func writeError(c *gin.Context, err error, msg string) {
	var se *notification.StorageError
	switch {
	case errors.Is(err, notification.ErrInvalidMutation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "通知の内容が不正です"})
	case errors.As(err, &se):
		log.Printf("[Hub] %s: %v", msg, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msg})
	default:
		log.Printf("[Hub] %s: %v", msg, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

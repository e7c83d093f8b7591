package task

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/tasknotify/internal/notification"
	"github.com/nao1215/tasknotify/pkg/event"
	"github.com/nao1215/tasknotify/pkg/middleware"
	"github.com/nao1215/tasknotify/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Notifier はタスクの変更を通知として配信する。
// notification.Coordinatorが実装する。
type Notifier interface {
	OnMutation(ctx context.Context, m event.Mutation) (notification.Record, error)
}

// Handler はタスクAPIのHTTPハンドラー群。
type Handler struct {
	// queries はtasksテーブルへのクエリ。
	queries *Queries
	// notifier はタスク変更の通知先。
	notifier Notifier
	// now は現在時刻を返す関数。
	now func() time.Time
}

// NewHandler はマイグレーションを適用して新しいHandlerを生成する。
func NewHandler(ctx context.Context, db *sql.DB, notifier Notifier) (*Handler, error) {
	if err := migration.Run(ctx, db, migrations, "migrations", "task"); err != nil {
		return nil, fmt.Errorf("タスクテーブルのマイグレーションに失敗: %w", err)
	}
	return &Handler{queries: New(db), notifier: notifier, now: time.Now}, nil
}

// Register はルーティングを設定する。authは全エンドポイントに適用する認証ミドルウェア。
func (h *Handler) Register(router gin.IRouter, auth gin.HandlerFunc) {
	tasks := router.Group("/api/tasks", auth)
	{
		// タスク作成
		tasks.POST("", h.handleCreate())
		// タスク一覧取得
		tasks.GET("", h.handleList())
		// タスク詳細取得
		tasks.GET("/:id", h.handleGetByID())
		// タスク更新
		tasks.PUT("/:id", h.handleUpdate())
		// タスク削除
		tasks.DELETE("/:id", h.handleDelete())
	}
}

// taskRequest はタスク作成・更新リクエストのJSON構造。
type taskRequest struct {
	// Title はタスクのタイトル。
	Title string `json:"title" binding:"required"`
	// Description はタスクの説明。
	Description string `json:"description"`
	// IsCompleted は完了フラグ。
	IsCompleted bool `json:"is_completed"`
}

// taskResponse はタスクのJSONレスポンス構造。
type taskResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	IsCompleted bool   `json:"is_completed"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toTaskResponse(t Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		IsCompleted: t.IsCompleted,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339),
	}
}

// handleCreate はタスク作成を処理するハンドラを返す。
func (h *Handler) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req taskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		taskID := uuid.New().String()
		if err := h.queries.CreateTask(c.Request.Context(), CreateTaskParams{
			ID:          taskID,
			Title:       req.Title,
			Description: req.Description,
			IsCompleted: req.IsCompleted,
			CreatedBy:   userID,
			CreatedAt:   h.now().UTC(),
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "タスクの作成に失敗しました"})
			log.Printf("タスク作成エラー: %v", err)
			return
		}

		h.notify(c, event.KindCreated, userID, taskID, req.Title)

		created, err := h.queries.GetTaskByID(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "作成したタスクの取得に失敗しました"})
			log.Printf("タスク取得エラー: %v", err)
			return
		}

		c.Header("Location", "/api/tasks/"+taskID)
		c.JSON(http.StatusCreated, toTaskResponse(created))
	}
}

// handleList は全タスクの一覧を返すハンドラを返す。タスクは全ユーザーで共有する。
func (h *Handler) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := h.queries.ListTasks(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "タスク一覧の取得に失敗しました"})
			log.Printf("タスク一覧取得エラー: %v", err)
			return
		}

		responses := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			responses = append(responses, toTaskResponse(t))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleGetByID はタスク詳細を返すハンドラを返す。
func (h *Handler) handleGetByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := h.queries.GetTaskByID(c.Request.Context(), c.Param("id"))
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "タスクが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "タスクの取得に失敗しました"})
			log.Printf("タスク取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toTaskResponse(t))
	}
}

// handleUpdate はタスクの内容を置き換えるハンドラを返す。
func (h *Handler) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req taskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		taskID := c.Param("id")
		n, err := h.queries.UpdateTask(c.Request.Context(), UpdateTaskParams{
			ID:          taskID,
			Title:       req.Title,
			Description: req.Description,
			IsCompleted: req.IsCompleted,
			UpdatedAt:   h.now().UTC(),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "タスクの更新に失敗しました"})
			log.Printf("タスク更新エラー: %v", err)
			return
		}
		if n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "タスクが見つかりません"})
			return
		}

		h.notify(c, event.KindUpdated, userID, taskID, req.Title)
		c.Status(http.StatusNoContent)
	}
}

// handleDelete はタスクを削除するハンドラを返す。
func (h *Handler) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		taskID := c.Param("id")
		n, err := h.queries.DeleteTask(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "タスクの削除に失敗しました"})
			log.Printf("タスク削除エラー: %v", err)
			return
		}
		if n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "タスクが見つかりません"})
			return
		}

		// 削除後はタイトルを参照できないためIDを通知に使う
		h.notify(c, event.KindDeleted, userID, taskID, taskID)
		c.Status(http.StatusNoContent)
	}
}

// notify はタスクの変更を通知として配信する。
// 失敗した場合はログに記録するが、呼び出し元にはエラーを返さない。
// 変更は保存済みのため、クライアントが切断しても通知は最後まで行う。
func (h *Handler) notify(c *gin.Context, kind event.Kind, userID, taskID, title string) {
	m, err := event.New(kind, userID, taskID, title)
	if err != nil {
		log.Printf("通知イベントの生成に失敗: %v", err)
		return
	}
	if _, err := h.notifier.OnMutation(context.WithoutCancel(c.Request.Context()), m); err != nil {
		log.Printf("タスク %s の通知に失敗: %v", taskID, err)
	}
}

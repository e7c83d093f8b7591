package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/tasknotify/pkg/middleware"
	"github.com/nao1215/tasknotify/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config は認証APIの設定。
type Config struct {
	// JWTSecret はアクセストークンの署名鍵。
	JWTSecret string
	// TokenTTL はアクセストークンの有効期間。
	TokenTTL time.Duration
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int
}

// Handler は認証APIのHTTPハンドラー群。
type Handler struct {
	queries *Queries
	hasher  *PasswordHasher
	cfg     Config
	now     func() time.Time
}

// NewHandler はマイグレーションを適用して新しいHandlerを生成する。
func NewHandler(ctx context.Context, db *sql.DB, cfg Config) (*Handler, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWTシークレットが設定されていません")
	}
	if err := migration.Run(ctx, db, migrations, "migrations", "auth"); err != nil {
		return nil, fmt.Errorf("ユーザーテーブルのマイグレーションに失敗: %w", err)
	}
	return &Handler{
		queries: &Queries{db: db},
		hasher:  NewPasswordHasher(cfg.BcryptCost),
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// Register はルーティングを設定する。authは /me に適用する認証ミドルウェア。
func (h *Handler) Register(router gin.IRouter, auth gin.HandlerFunc) {
	group := router.Group("/api/auth")
	{
		// ユーザー登録
		group.POST("/register", h.handleRegister())
		// ログイン
		group.POST("/login", h.handleLogin())
		// 認証済みユーザーの情報
		group.GET("/me", auth, h.handleMe())
	}
}

// credentialsRequest は登録・ログインリクエストのJSON構造。
type credentialsRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password はパスワード。
	Password string `json:"password" binding:"required"`
}

// normalizeEmail は大文字小文字の違いで別ユーザーにならないよう正規化する。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// handleRegister はユーザー登録を処理するハンドラを返す。
func (h *Handler) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		email := normalizeEmail(req.Email)

		_, err := h.queries.GetUserByEmail(c.Request.Context(), email)
		if err == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "このメールアドレスは既に登録されています"})
			return
		}
		if !errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの確認に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		hash, err := h.hasher.Hash(req.Password)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "パスワードを受け付けられません"})
			log.Printf("パスワードハッシュエラー: %v", err)
			return
		}

		user := User{
			ID:           uuid.New().String(),
			Email:        email,
			PasswordHash: hash,
			CreatedAt:    h.now().UTC(),
		}
		if err := h.queries.CreateUser(c.Request.Context(), user); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー登録に失敗しました"})
			log.Printf("ユーザー作成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"id": user.ID, "email": user.Email})
	}
}

// handleLogin はメールアドレスとパスワードを照合し、アクセストークンを発行するハンドラを返す。
func (h *Handler) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		user, err := h.queries.GetUserByEmail(c.Request.Context(), normalizeEmail(req.Email))
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスまたはパスワードが正しくありません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		if err := h.hasher.Compare(user.PasswordHash, req.Password); err != nil {
			if !errors.Is(err, ErrPasswordMismatch) {
				log.Printf("パスワード照合エラー: %v", err)
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスまたはパスワードが正しくありません"})
			return
		}

		token, err := middleware.GenerateJWT(h.cfg.JWTSecret, user.ID, user.Email, h.cfg.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		if err := h.queries.UpdateLastLogin(c.Request.Context(), user.ID, h.now().UTC()); err != nil {
			// 最終ログイン日時の更新失敗はログインを妨げない
			log.Printf("最終ログイン日時の更新に失敗: %v", err)
		}

		ttl := h.cfg.TokenTTL
		if ttl <= 0 {
			ttl = middleware.DefaultTokenTTL
		}
		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"user_id":    user.ID,
			"expires_in": int(ttl.Seconds()),
		})
	}
}

// handleMe は認証済みユーザーの情報を返すハンドラを返す。
func (h *Handler) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		user, err := h.queries.GetUserByID(c.Request.Context(), userID)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		resp := gin.H{
			"id":         user.ID,
			"email":      user.Email,
			"created_at": user.CreatedAt.Format(time.RFC3339),
		}
		if user.LastLoginAt != nil {
			resp["last_login_at"] = user.LastLoginAt.Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, resp)
	}
}

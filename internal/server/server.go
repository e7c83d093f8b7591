// Package server はtasknotifyの各コンポーネントを組み立ててHTTPサーバーとして起動する。
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/tasknotify/internal/auth"
	"github.com/nao1215/tasknotify/internal/config"
	"github.com/nao1215/tasknotify/internal/hub"
	"github.com/nao1215/tasknotify/internal/notification"
	"github.com/nao1215/tasknotify/internal/task"
	"github.com/nao1215/tasknotify/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
const shutdownTimeout = 10 * time.Second

// Server はtasknotifyのHTTPサーバー。
type Server struct {
	// cfg はサーバー設定。
	cfg config.Config
	// router はGinのHTTPルーター。
	router *gin.Engine
	// db はタスク・ユーザー・通知（sqlite時）が共有するSQLite接続。
	db *sql.DB
	// store は通知レコードのストア。
	store notification.Store
	// coordinator は通知の配信プロトコルを実行する。
	coordinator *notification.Coordinator
}

// New は設定に従ってデータベースを開き、全コンポーネントを組み立てる。
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	sqlDB, err := openSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, db: sqlDB}
	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openSQLite はSQLiteデータベースを開く。":memory:" の場合は接続を1本に制限する。
func openSQLite(path string) (*sql.DB, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("データベース接続に失敗: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	return db, nil
}

// build はストア・コーディネーター・各ハンドラーを生成してルーティングを設定する。
func (s *Server) build(ctx context.Context) error {
	store, err := s.openStore(ctx)
	if err != nil {
		return err
	}
	s.store = store

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := notification.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("メトリクスの登録に失敗: %w", err)
	}
	s.coordinator = notification.NewCoordinator(store, notification.NewRegistry(), notification.WithMetrics(metrics))

	taskHandler, err := task.NewHandler(ctx, s.db, s.coordinator)
	if err != nil {
		return err
	}
	authHandler, err := auth.NewHandler(ctx, s.db, auth.Config{
		JWTSecret:  s.cfg.JWTSecret,
		TokenTTL:   s.cfg.TokenTTL,
		BcryptCost: s.cfg.BcryptCost,
	})
	if err != nil {
		return err
	}
	encryptor, err := s.newEncryptor()
	if err != nil {
		return err
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(s.cfg.CORSAllowedOrigins))

	apiAuth := middleware.JWTAuth(s.cfg.JWTSecret)
	streamOpts := []middleware.AuthOption{middleware.WithQueryToken("access_token")}
	if s.cfg.HubAllowAnonymous {
		streamOpts = append(streamOpts, middleware.AllowAnonymous())
	}
	streamAuth := middleware.JWTAuth(s.cfg.JWTSecret, streamOpts...)

	hub.NewHandler(s.coordinator, hub.Config{
		SendTimeout: s.cfg.HubSendTimeout,
		BufferSize:  s.cfg.HubBufferSize,
		Heartbeat:   s.cfg.HubHeartbeat,
	}).Register(router, streamAuth, apiAuth)
	taskHandler.Register(router, apiAuth)
	authHandler.Register(router, apiAuth)

	// 暗号化レスポンスのデモ
	router.GET("/api/securedemo/secret", apiAuth, middleware.EncryptResponse(encryptor), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message":   "This is sensitive data",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// メトリクス
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	// ヘルスチェック
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"service":     "tasknotify",
			"connections": s.coordinator.Registry().Len(),
		})
	})

	s.router = router
	return nil
}

// openStore は設定された種類の通知ストアを開く。
func (s *Server) openStore(ctx context.Context) (notification.Store, error) {
	switch s.cfg.NotificationStore {
	case config.StoreMongo:
		store, err := notification.OpenMongoStore(ctx, s.cfg.MongoURI, s.cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		log.Printf("[Server] 通知ストアにMongoDBを使用します: %s", s.cfg.MongoDatabase)
		return store, nil
	default:
		return notification.NewSQLiteStore(ctx, s.db)
	}
}

// newEncryptor はレスポンス暗号化器を生成する。鍵が未設定の場合は起動ごとの乱数鍵を使う。
func (s *Server) newEncryptor() (*middleware.Encryptor, error) {
	key := s.cfg.EncryptionKey
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("暗号鍵の生成に失敗: %w", err)
		}
		log.Printf("[Server] ENCRYPTION_KEYが未設定のため一時的な鍵を生成しました")
	}
	return middleware.NewEncryptor(key)
}

// Handler はルーターをhttp.Handlerとして返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
// リクエストのコンテキストはctxから派生するため、開いているストリームも終了する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] tasknotifyを起動します: :%s", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	log.Printf("[Server] シャットダウンします")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// Close は通知ストアとデータベース接続を閉じる。
func (s *Server) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

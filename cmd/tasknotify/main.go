// tasknotifyのエントリポイント。
// タスクAPIと認証APIを提供し、タスクの変更を接続中のクライアントへリアルタイムに通知する。
// 未接続だったユーザーへの通知は保存され、次回接続時に再送される。
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/tasknotify/internal/config"
	"github.com/nao1215/tasknotify/internal/server"
)

func main() {
	configPath := flag.String("config", "", "YAML設定ファイルのパス（省略時は環境変数 CONFIG_FILE）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("tasknotifyが異常終了しました: %v", err)
	}
	log.Printf("tasknotifyを停止しました")
}

// run はサーバーを起動し、停止後にリソースを解放する。
func run(ctx context.Context, cfg config.Config) error {
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Printf("リソースの解放に失敗: %v", err)
		}
	}()
	return srv.Run(ctx)
}

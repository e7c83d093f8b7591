// Package config はtasknotifyサーバーの設定を読み込む。
//
// 設定は 既定値 → YAMLファイル → 環境変数 の順に上書きされる。
// YAMLファイルのパスはLoadの引数、または環境変数 CONFIG_FILE で指定する。
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 通知ストアの種類。
const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// Config はサーバー全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースファイルのパス。":memory:" も指定できる。
	DatabasePath string
	// NotificationStore は通知レコードの保存先（sqlite または mongo）。
	NotificationStore string
	// MongoURI はMongoDBの接続URI。NotificationStoreがmongoの場合に使う。
	MongoURI string
	// MongoDatabase はMongoDBのデータベース名。
	MongoDatabase string

	// JWTSecret はアクセストークンの署名鍵。
	JWTSecret string
	// TokenTTL はアクセストークンの有効期間。
	TokenTTL time.Duration
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int

	// HubAllowAnonymous はトークン無しのハブ接続を許可するかどうか。
	HubAllowAnonymous bool
	// HubSendTimeout は1接続への送信の待ち時間の上限。
	HubSendTimeout time.Duration
	// HubBufferSize は接続ごとの送信キューの長さ。
	HubBufferSize int
	// HubHeartbeat はpingイベントの送信間隔。
	HubHeartbeat time.Duration

	// CORSAllowedOrigins は許可するオリジン。"*" は全オリジンを許可する。
	CORSAllowedOrigins []string
	// EncryptionKey はレスポンス暗号化のAES鍵（16/24/32バイト）。
	EncryptionKey []byte
}

// fileConfig はYAMLファイルの構造。未指定の項目はゼロ値のまま既定値を上書きしない。
type fileConfig struct {
	Port              string `yaml:"port"`
	DatabasePath      string `yaml:"database_path"`
	NotificationStore string `yaml:"notification_store"`
	Mongo             struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`
	JWT struct {
		Secret     string `yaml:"secret"`
		TTLMinutes int    `yaml:"ttl_minutes"`
	} `yaml:"jwt"`
	BcryptCost int `yaml:"bcrypt_cost"`
	Hub        struct {
		AllowAnonymous   *bool `yaml:"allow_anonymous"`
		SendTimeoutMS    int   `yaml:"send_timeout_ms"`
		BufferSize       int   `yaml:"buffer_size"`
		HeartbeatSeconds int   `yaml:"heartbeat_seconds"`
	} `yaml:"hub"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	// EncryptionKey はbase64でエンコードしたAES鍵。
	EncryptionKey string `yaml:"encryption_key"`
}

// Default は既定値の設定を返す。
func Default() Config {
	return Config{
		Port:               "8080",
		DatabasePath:       "/data/tasknotify.db",
		NotificationStore:  StoreSQLite,
		MongoURI:           "mongodb://localhost:27017",
		MongoDatabase:      "tasknotify",
		TokenTTL:           24 * time.Hour,
		BcryptCost:         12,
		HubAllowAnonymous:  true,
		HubSendTimeout:     5 * time.Second,
		HubBufferSize:      64,
		HubHeartbeat:       25 * time.Second,
		CORSAllowedOrigins: []string{"*"},
	}
}

// Load は 既定値 → YAMLファイル → 環境変数 の順に設定を解決して検証する。
// pathが空の場合は環境変数 CONFIG_FILE を使い、それも空ならファイルを読まない。
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("設定ファイルのパースに失敗: %w", err)
	}

	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.DatabasePath != "" {
		cfg.DatabasePath = fc.DatabasePath
	}
	if fc.NotificationStore != "" {
		cfg.NotificationStore = fc.NotificationStore
	}
	if fc.Mongo.URI != "" {
		cfg.MongoURI = fc.Mongo.URI
	}
	if fc.Mongo.Database != "" {
		cfg.MongoDatabase = fc.Mongo.Database
	}
	if fc.JWT.Secret != "" {
		cfg.JWTSecret = fc.JWT.Secret
	}
	if fc.JWT.TTLMinutes > 0 {
		cfg.TokenTTL = time.Duration(fc.JWT.TTLMinutes) * time.Minute
	}
	if fc.BcryptCost > 0 {
		cfg.BcryptCost = fc.BcryptCost
	}
	if fc.Hub.AllowAnonymous != nil {
		cfg.HubAllowAnonymous = *fc.Hub.AllowAnonymous
	}
	if fc.Hub.SendTimeoutMS > 0 {
		cfg.HubSendTimeout = time.Duration(fc.Hub.SendTimeoutMS) * time.Millisecond
	}
	if fc.Hub.BufferSize > 0 {
		cfg.HubBufferSize = fc.Hub.BufferSize
	}
	if fc.Hub.HeartbeatSeconds > 0 {
		cfg.HubHeartbeat = time.Duration(fc.Hub.HeartbeatSeconds) * time.Second
	}
	if len(fc.CORS.AllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins
	}
	if fc.EncryptionKey != "" {
		key, err := decodeKey(fc.EncryptionKey)
		if err != nil {
			return err
		}
		cfg.EncryptionKey = key
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.DatabasePath = envOrDefault("DATABASE_PATH", cfg.DatabasePath)
	cfg.NotificationStore = envOrDefault("NOTIFICATION_STORE", cfg.NotificationStore)
	cfg.MongoURI = envOrDefault("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = envOrDefault("MONGO_DATABASE", cfg.MongoDatabase)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.CORSAllowedOrigins = envCSV("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)

	var err error
	if cfg.TokenTTL, err = envDuration("JWT_TTL_MINUTES", time.Minute, cfg.TokenTTL); err != nil {
		return err
	}
	if cfg.HubSendTimeout, err = envDuration("HUB_SEND_TIMEOUT_MS", time.Millisecond, cfg.HubSendTimeout); err != nil {
		return err
	}
	if cfg.HubHeartbeat, err = envDuration("HUB_HEARTBEAT_SECONDS", time.Second, cfg.HubHeartbeat); err != nil {
		return err
	}
	if cfg.HubBufferSize, err = envInt("HUB_BUFFER_SIZE", cfg.HubBufferSize); err != nil {
		return err
	}
	if cfg.BcryptCost, err = envInt("BCRYPT_COST", cfg.BcryptCost); err != nil {
		return err
	}
	if cfg.HubAllowAnonymous, err = envBool("HUB_ALLOW_ANONYMOUS", cfg.HubAllowAnonymous); err != nil {
		return err
	}
	if raw := os.Getenv("ENCRYPTION_KEY"); raw != "" {
		if cfg.EncryptionKey, err = decodeKey(raw); err != nil {
			return err
		}
	}
	return nil
}

// Validate は設定値の整合性を検証する。
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORTが空です"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRETが設定されていません"))
	}
	switch c.NotificationStore {
	case StoreSQLite:
		if c.DatabasePath == "" {
			errs = append(errs, errors.New("DATABASE_PATHが空です"))
		}
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			errs = append(errs, errors.New("MONGO_URIとMONGO_DATABASEが必要です"))
		}
	default:
		errs = append(errs, fmt.Errorf("NOTIFICATION_STOREが不正です: %q", c.NotificationStore))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL_MINUTESは正の値が必要です"))
	}
	if c.HubSendTimeout <= 0 || c.HubHeartbeat <= 0 || c.HubBufferSize <= 0 {
		errs = append(errs, errors.New("ハブの送信タイムアウト・ハートビート間隔・バッファ長は正の値が必要です"))
	}
	if len(c.CORSAllowedOrigins) == 0 {
		errs = append(errs, errors.New("CORS_ALLOWED_ORIGINSが空です"))
	}
	if n := len(c.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEYの長さが不正です: %dバイト", n))
	}
	return errors.Join(errs...)
}

// decodeKey はbase64の鍵をデコードする。
func decodeKey(raw string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEYのデコードに失敗: %w", err)
	}
	return key, nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%sが整数ではありません: %q", name, raw)
	}
	return v, nil
}

// envDuration は整数の環境変数をunit単位の時間として読む。
func envDuration(name string, unit, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%sが整数ではありません: %q", name, raw)
	}
	return time.Duration(v) * unit, nil
}

func envBool(name string, fallback bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%sが真偽値ではありません: %q", name, raw)
	}
	return v, nil
}

// envCSV はカンマ区切りの環境変数を空要素を除いて分割する。
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}

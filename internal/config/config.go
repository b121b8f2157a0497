package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// イベント配信のバックエンド。
const (
	EventBackendPostgres = "postgres"
	EventBackendRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	TokenSecret   string
	IDTokenTTL    time.Duration
	SessionMaxAge int

	// Rate Limit (1分あたりの回数)
	RateLimitGeneral int
	RateLimitLogin   int

	// Changefeed
	EventBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Attachments
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3Prefix         string
	AttachmentURLTTL time.Duration

	// Worker
	AssignmentWindow          time.Duration
	OverdueScanInterval       time.Duration
	CleanupInterval           time.Duration
	NotificationRetentionDays int
	OverdueMaxConcurrency     int
	WorkerMetricsPort         string // 空の場合はワーカーのメトリクスを公開しない

	// Logging
	LogFile  string
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORSAllowedOrigin はカンマ区切りの許可オリジン。
	CORSAllowedOrigin string
}

// AttachmentsEnabled は添付ファイル用のバケットが設定されているかを返す。
func (c *Config) AttachmentsEnabled() bool {
	return c.S3Bucket != ""
}

// LoadDotEnv は.envファイルが存在すれば環境変数に読み込む。
// 既に設定されている環境変数は上書きしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		missing = append(missing, "TOKEN_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.IDTokenTTL = getEnvDuration("ID_TOKEN_TTL", time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.EventBackend = strings.ToLower(getEnvString("EVENT_BACKEND", EventBackendPostgres))
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.S3Bucket = getEnvString("S3_BUCKET", "")
	cfg.S3Region = getEnvString("S3_REGION", "ap-northeast-1")
	cfg.S3Endpoint = getEnvString("S3_ENDPOINT", "")
	cfg.S3Prefix = getEnvString("S3_PREFIX", "attachments")
	cfg.AttachmentURLTTL = getEnvDuration("ATTACHMENT_URL_TTL", 15*time.Minute)
	cfg.AssignmentWindow = getEnvDuration("ASSIGNMENT_WINDOW", 60*time.Second)
	cfg.OverdueScanInterval = getEnvDuration("OVERDUE_SCAN_INTERVAL", time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.NotificationRetentionDays = getEnvInt("NOTIFICATION_RETENTION_DAYS", 90)
	cfg.OverdueMaxConcurrency = getEnvInt("OVERDUE_MAX_CONCURRENCY", 4)
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "")
	cfg.LogFile = getEnvString("LOG_FILE", "")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	switch cfg.EventBackend {
	case EventBackendPostgres, EventBackendRedis:
	default:
		return nil, fmt.Errorf("unsupported EVENT_BACKEND %q (want postgres or redis)", cfg.EventBackend)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

// getEnvDuration は正の期間だけを受け付け、それ以外は既定値を返す。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

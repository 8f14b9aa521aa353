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

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database（永続層）
	DatabaseURL string

	// Backend
	BackendURL        string
	BackendAPIKey     string
	BackendTimeout    time.Duration
	BackendRatePerSec float64

	// Queue
	QueueMaxAttempts int

	// Connectivity
	ReconnectGrace    time.Duration
	HeartbeatInterval time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration

	// Asset cache
	AssetOriginURL   string
	CacheName        string
	CacheVersion     int
	CacheWaitForSkip bool
	ShellEntryPath   string
	ShellOfflinePath string

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	RateLimitPerMin   int

	// Host
	HostName   string
	AppVersion string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BackendURL = strings.TrimRight(os.Getenv("BACKEND_URL"), "/")
	if cfg.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}

	cfg.AssetOriginURL = strings.TrimRight(os.Getenv("ASSET_ORIGIN_URL"), "/")
	if cfg.AssetOriginURL == "" {
		missing = append(missing, "ASSET_ORIGIN_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "sqlite://offlinecore.db")
	cfg.BackendAPIKey = getEnvString("BACKEND_API_KEY", "")
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 30*time.Second)
	cfg.BackendRatePerSec = getEnvFloat("BACKEND_RATE_PER_SEC", 10)
	cfg.QueueMaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", 5)
	cfg.ReconnectGrace = getEnvDuration("RECONNECT_GRACE", 2*time.Second)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Minute)
	cfg.ProbeInterval = getEnvDuration("PROBE_INTERVAL", 10*time.Second)
	cfg.ProbeTimeout = getEnvDuration("PROBE_TIMEOUT", 5*time.Second)
	cfg.CacheName = getEnvString("CACHE_NAME", "offlinecore")
	cfg.CacheVersion = getEnvInt("CACHE_VERSION", 1)
	cfg.CacheWaitForSkip = getEnvBool("CACHE_WAIT_FOR_SKIP", false)
	cfg.ShellEntryPath = getEnvString("SHELL_ENTRY_PATH", "/")
	cfg.ShellOfflinePath = getEnvString("SHELL_OFFLINE_PATH", "/offline.html")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8787")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:5173")
	cfg.RateLimitPerMin = getEnvInt("RATE_LIMIT_PER_MIN", 600)
	cfg.HostName = getEnvString("HOST_NAME", "")
	cfg.AppVersion = getEnvString("APP_VERSION", "dev")

	if cfg.QueueMaxAttempts < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", cfg.QueueMaxAttempts)
	}

	return cfg, nil
}

// CacheBucketName はバージョン付きのキャッシュバケット名を返す（例: offlinecore-v3）。
func (c *Config) CacheBucketName() string {
	return fmt.Sprintf("%s-v%d", c.CacheName, c.CacheVersion)
}

// loadDotEnv は.envファイルを読み込む。ファイルが存在しない場合は何もしない。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

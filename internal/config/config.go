package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Firebase
	FirebaseAPIKey          string
	FirebaseCredentialsFile string
	FirebaseProjectID       string
	FirebaseEmulatorHost    string

	// Identity Service
	IdentityToolkitURL string // 空の場合は本番またはエミュレータのURLを使う
	IdentityTimeout    time.Duration

	// CORS
	AllowedOrigins []string

	// Rate Limit
	RateLimitAuth int // /register, /login のクライアントIPあたりの req/min

	// Logging
	LogLevel string

	// Tracing
	OTelEndpoint string // 空の場合はトレースを送信しない

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.FirebaseAPIKey = os.Getenv("FIREBASE_KEY")
	if cfg.FirebaseAPIKey == "" {
		missing = append(missing, "FIREBASE_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.FirebaseCredentialsFile = getEnvString("FIREBASE_CREDENTIALS_FILE", "./firebase-key.json")
	cfg.FirebaseProjectID = getEnvString("FIREBASE_PROJECT_ID", "")
	cfg.FirebaseEmulatorHost = getEnvString("FIREBASE_AUTH_EMULATOR_HOST", "")
	cfg.IdentityToolkitURL = getEnvString("IDENTITY_TOOLKIT_URL", "")
	cfg.IdentityTimeout = getEnvDuration("IDENTITY_TIMEOUT", 5*time.Second)
	cfg.AllowedOrigins = getEnvList("ORIGINS", []string{"http://localhost:3000"})
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.OTelEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

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

// getEnvList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var list []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return defaultVal
	}
	return list
}

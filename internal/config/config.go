package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

// MinPresenceTTLSeconds 不能低于 WebSocket 的 pong 等待时间，否则空闲但健康的连接会被判定超时。
const MinPresenceTTLSeconds = 60

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type Config struct {
	Port                   string
	Env                    string
	DatabaseDriver         string
	DatabaseDSN            string
	JWTSecret              string
	TokenTTLDays           int
	ResetTokenTTLMinutes   int
	ClientURL              string
	AllowedOrigins         []string
	SMTP                   SMTPConfig
	PresenceTTLSeconds     int
	ShutdownTimeoutSeconds int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 读取正整数环境变量，非法或非正数时回退到默认值。
func getint(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load 从环境变量（以及可选的 .env 文件）读取配置。
func Load() Config {
	_ = godotenv.Load()

	clientURL := getenv("CLIENT_URL", "http://localhost:5173")
	origins := splitList(os.Getenv("ALLOWED_ORIGINS"))
	if len(origins) == 0 {
		origins = []string{clientURL}
	}
	return Config{
		Port:                   getenv("APP_PORT", "8080"),
		Env:                    getenv("APP_ENV", "dev"),
		DatabaseDriver:         getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:            getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatapp port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:              getenv("JWT_SECRET", defaultJWTSecret),
		TokenTTLDays:           getint("TOKEN_TTL_DAYS", 14),
		ResetTokenTTLMinutes:   getint("RESET_TOKEN_TTL_MINUTES", 60),
		ClientURL:              strings.TrimRight(clientURL, "/"),
		AllowedOrigins:         origins,
		PresenceTTLSeconds:     getint("PRESENCE_TTL_SECONDS", 90),
		ShutdownTimeoutSeconds: getint("SHUTDOWN_TIMEOUT_SECONDS", 10),
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getint("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
	}
}

// Validate 检查启动所必需的配置项。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "mysql", "sqlite":
	default:
		return errors.New("config: unsupported DATABASE_DRIVER " + strconv.Quote(cfg.DatabaseDriver))
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default JWT_SECRET is only allowed in dev")
	}
	// 0 表示关闭心跳超时清理
	if cfg.PresenceTTLSeconds < 0 || (cfg.PresenceTTLSeconds > 0 && cfg.PresenceTTLSeconds < MinPresenceTTLSeconds) {
		return errors.New("config: PRESENCE_TTL_SECONDS must be 0 or at least " + strconv.Itoa(MinPresenceTTLSeconds))
	}
	return nil
}

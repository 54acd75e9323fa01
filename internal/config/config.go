package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env  string
	Host string
	Port int

	DBDriver    string
	SQLitePath  string
	DatabaseURL string

	JWTSecret      string
	CORSOrigins    []string
	WSAuthRequired bool

	RateLimitWindow    time.Duration
	PresenceInactivity time.Duration
	SweepInterval      time.Duration
	MaxMessageLength   int
	HistoryPageSize    int
	OutboundQueueSize  int
	ShutdownTimeout    time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "zchat")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}

	cfg := &Config{
		Env:  getEnv("APP_ENV", "development"),
		Host: getEnv("HTTP_HOST", "0.0.0.0"),
		Port: getEnvAsInt("HTTP_PORT", 8000),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		SQLitePath:  getEnv("SQLITE_PATH", "chat.db"),
		DatabaseURL: u.String(),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		WSAuthRequired: getEnvAsBool("WS_AUTH_REQUIRED", false),

		RateLimitWindow:    getEnvAsMillis("RATE_LIMIT_WINDOW_MS", 500*time.Millisecond),
		PresenceInactivity: getEnvAsMillis("PRESENCE_INACTIVITY_MS", 15*time.Minute),
		SweepInterval:      getEnvAsMillis("SWEEP_INTERVAL_MS", 5*time.Minute),
		MaxMessageLength:   getEnvAsInt("MAX_MESSAGE_LENGTH", 1000),
		HistoryPageSize:    getEnvAsInt("HISTORY_PAGE_SIZE", 50),
		OutboundQueueSize:  getEnvAsInt("OUTBOUND_QUEUE_SIZE", 256),
		ShutdownTimeout:    getEnvAsMillis("SHUTDOWN_TIMEOUT_MS", 15*time.Second),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	cors := getEnv("CORS_ORIGINS", "")
	if cors != "" {
		parts := strings.Split(cors, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MS must be positive")
	}
	if c.SweepInterval <= 0 || c.PresenceInactivity <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_MS and PRESENCE_INACTIVITY_MS must be positive")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be positive")
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	return newLogger(os.Stdout, c.LogLevel, c.LogFormat)
}

func newLogger(w io.Writer, lvl, format string) *slog.Logger {
	var level slog.Level
	switch lvl {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

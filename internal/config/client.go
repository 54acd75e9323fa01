package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ClientConfig holds the terminal client's defaults. Unlike Config it has
// no required keys: a missing JWT_SECRET only means no dev token is minted.
type ClientConfig struct {
	URL               string
	JWTSecret         string
	ReconnectPacing   time.Duration
	// RetryDelay should match the server's RATE_LIMIT_WINDOW_MS.
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	LogLevel          string
}

func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	return &ClientConfig{
		URL:               getEnv("CHAT_URL", "ws://localhost:8000/ws"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		ReconnectPacing:   getEnvAsMillis("RECONNECT_PACING_MS", 200*time.Millisecond),
		RetryDelay:        getEnvAsMillis("RATE_LIMIT_WINDOW_MS", 500*time.Millisecond),
		HeartbeatInterval: getEnvAsMillis("HEARTBEAT_INTERVAL_MS", 30*time.Second),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "warn")),
	}
}

// NewLogger writes to stderr so log lines do not interleave with chat output.
func (c *ClientConfig) NewLogger() *slog.Logger {
	return newLogger(os.Stderr, c.LogLevel, "text")
}

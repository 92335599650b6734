package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	DataBackend  string
	SQLiteDBPath string

	// AMQP (optional, announcements go straight to callbacks without it)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets mirror (worker)
	GoogleSpreadsheetID string
	GoogleSheetName     string

	// Telegram (optional)
	TelegramToken       string
	TelegramApplication string

	// Collective operations
	CommunityUserName string
	BallotTallyMode   string
	BallotThreshold   int
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration

	// Notification delivery
	NotifyWorkers    int
	NotifyMaxRetries int
	NotifyQueueSize  int
	CallbackTimeout  time.Duration

	// Per-operation locking
	LockBackend string
	RedisAddr   string
	LockTTL     time.Duration

	// Worker
	SyncBatchSize int
	SyncInterval  time.Duration

	RateLimitPerMinute int
	LogLevel           string
}

var (
	validBackends     = []string{"memory", "sqlite"}
	validTallyModes   = []string{"sum", "majority"}
	validLockBackends = []string{"local", "redis"}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
)

func Load() *Config {
	cfg := &Config{
		Port: getEnv("PORT", "8081"),

		DataBackend:  getEnv("DATA_BACKEND", "memory"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/matebot.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "matebot"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "announcements"),

		GoogleSpreadsheetID: getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:     getEnv("GOOGLE_SHEET_NAME", "Transactions"),

		TelegramToken:       getEnv("TELEGRAM_TOKEN", ""),
		TelegramApplication: getEnv("TELEGRAM_APPLICATION", "telegram"),

		CommunityUserName: getEnv("COMMUNITY_USER_NAME", "Community"),
		BallotTallyMode:   strings.ToLower(getEnv("BALLOT_TALLY_MODE", "sum")),
		BallotThreshold:   getEnvInt("BALLOT_THRESHOLD", 1),
		IdleTimeout:       getEnvDuration("IDLE_TIMEOUT", 0),
		IdleCheckInterval: getEnvDuration("IDLE_CHECK_INTERVAL", time.Minute),

		NotifyWorkers:    getEnvInt("NOTIFY_WORKERS", 4),
		NotifyMaxRetries: getEnvInt("NOTIFY_MAX_RETRIES", 3),
		NotifyQueueSize:  getEnvInt("NOTIFY_QUEUE_SIZE", 256),
		CallbackTimeout:  getEnvDuration("CALLBACK_TIMEOUT", 5*time.Second),

		LockBackend: strings.ToLower(getEnv("LOCK_BACKEND", "local")),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		LockTTL:     getEnvDuration("LOCK_TTL", 10*time.Second),

		SyncBatchSize: getEnvInt("SYNC_BATCH_SIZE", 10),
		SyncInterval:  getEnvDuration("SYNC_INTERVAL", 30*time.Second),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	return cfg
}

// Validate validates the configuration and returns an error listing every
// problem found.
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			// Check if directory exists or can be created
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.TelegramToken != "" && strings.TrimSpace(c.TelegramApplication) == "" {
		errors = append(errors, "Telegram application name cannot be empty when a Telegram token is provided")
	}

	if strings.TrimSpace(c.CommunityUserName) == "" {
		errors = append(errors, "community user name cannot be empty")
	}
	if !slices.Contains(validTallyModes, c.BallotTallyMode) {
		errors = append(errors, fmt.Sprintf("invalid ballot tally mode '%s': must be one of %v", c.BallotTallyMode, validTallyModes))
	}
	if c.BallotThreshold < 1 {
		errors = append(errors, fmt.Sprintf("invalid ballot threshold %d: must be at least 1", c.BallotThreshold))
	}
	if c.IdleTimeout < 0 {
		errors = append(errors, fmt.Sprintf("invalid idle timeout %v: must not be negative", c.IdleTimeout))
	}
	if c.IdleTimeout > 0 && c.IdleCheckInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid idle check interval %v: must be at least 1 second", c.IdleCheckInterval))
	}

	if c.NotifyWorkers < 1 || c.NotifyWorkers > 64 {
		errors = append(errors, fmt.Sprintf("invalid notify workers %d: must be between 1 and 64", c.NotifyWorkers))
	}
	if c.NotifyMaxRetries < 0 {
		errors = append(errors, fmt.Sprintf("invalid notify max retries %d: must not be negative", c.NotifyMaxRetries))
	}
	if c.NotifyQueueSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid notify queue size %d: must be at least 1", c.NotifyQueueSize))
	}
	if c.CallbackTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid callback timeout %v: must be positive", c.CallbackTimeout))
	}

	if !slices.Contains(validLockBackends, c.LockBackend) {
		errors = append(errors, fmt.Sprintf("invalid lock backend '%s': must be one of %v", c.LockBackend, validLockBackends))
	}
	if c.LockBackend == "redis" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid Redis address '%s': %v", c.RedisAddr, err))
		}
		if c.LockTTL < time.Second {
			errors = append(errors, fmt.Sprintf("invalid lock TTL %v: must be at least 1 second", c.LockTTL))
		}
	}

	// Validate worker configuration
	if c.SyncBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at least 1", c.SyncBatchSize))
	} else if c.SyncBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at most 1000", c.SyncBatchSize))
	}
	if c.SyncInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at least 1 second", c.SyncInterval))
	} else if c.SyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at most 24 hours", c.SyncInterval))
	}

	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitPerMinute))
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, validLogLevels))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

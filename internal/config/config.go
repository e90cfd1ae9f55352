package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Local store
	DBPath string

	// Remote gateway
	APIBaseURL  string
	HTTPTimeout time.Duration

	// Session
	AuthCallbackScheme string
	GuestMode          bool
	CredentialsPath    string

	// Receipt ingestion
	OCRMaxImageBytes int
	OCRCacheSize     int
	OCRCacheTTL      time.Duration
	DefaultCategory  string

	// Sync coordinator
	SyncMaxBackoff  time.Duration
	SyncBulkWallets bool

	// AMQP trigger bus (optional)
	AMQPURL         string
	AMQPExchange    string
	AMQPQueue       string
	AMQPResultQueue string

	// Observability
	MetricsAddr string
	LogLevel    string
}

var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*$`)

func Load() *Config {
	cfg := &Config{
		DBPath: getEnv("FINSYNC_DB_PATH", "./data/finsync.db"),

		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:3000/api"),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		AuthCallbackScheme: getEnv("AUTH_CALLBACK_SCHEME", "finsync"),
		GuestMode:          getEnvBool("GUEST_MODE", false),
		CredentialsPath:    getEnv("FINSYNC_CREDENTIALS_PATH", "./data/credentials.json"),

		OCRMaxImageBytes: getEnvInt("OCR_MAX_IMAGE_BYTES", 1<<20),
		OCRCacheSize:     getEnvInt("OCR_CACHE_SIZE", 32),
		OCRCacheTTL:      getEnvDuration("OCR_CACHE_TTL", 24*time.Hour),
		DefaultCategory:  getEnv("RECEIPT_DEFAULT_CATEGORY", "Uncategorized"),

		SyncMaxBackoff:  getEnvDuration("SYNC_MAX_BACKOFF", 5*time.Minute),
		SyncBulkWallets: getEnvBool("SYNC_BULK_WALLETS", false),

		AMQPURL:         getEnv("AMQP_URL", ""),
		AMQPExchange:    getEnv("AMQP_EXCHANGE", "finsync"),
		AMQPQueue:       getEnv("AMQP_QUEUE", "sync_requests"),
		AMQPResultQueue: getEnv("AMQP_RESULT_QUEUE", "sync_results"),

		MetricsAddr: getEnv("METRICS_ADDR", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate database path
	if c.DBPath == "" {
		errors = append(errors, "database path cannot be empty")
	} else {
		dir := filepath.Dir(c.DBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate API base URL
	if c.APIBaseURL == "" {
		errors = append(errors, "API base URL cannot be empty")
	} else if parsedURL, err := url.Parse(c.APIBaseURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid API base URL '%s': %v", c.APIBaseURL, err))
	} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid API base URL scheme '%s': must be 'http' or 'https'", parsedURL.Scheme))
	}

	if c.HTTPTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid HTTP timeout %v: must be at least 1 second", c.HTTPTimeout))
	}

	if !schemePattern.MatchString(c.AuthCallbackScheme) {
		errors = append(errors, fmt.Sprintf("invalid auth callback scheme '%s'", c.AuthCallbackScheme))
	}

	if c.CredentialsPath == "" {
		errors = append(errors, "credentials path cannot be empty")
	}

	// Validate ingestion limits
	if c.OCRMaxImageBytes < 64*1024 {
		errors = append(errors, fmt.Sprintf("invalid OCR max image size %d: must be at least 65536 bytes", c.OCRMaxImageBytes))
	} else if c.OCRMaxImageBytes > 10<<20 {
		errors = append(errors, fmt.Sprintf("invalid OCR max image size %d: must be at most 10485760 bytes", c.OCRMaxImageBytes))
	}
	if c.OCRCacheSize < 0 {
		errors = append(errors, fmt.Sprintf("invalid OCR cache size %d: must not be negative", c.OCRCacheSize))
	}
	if strings.TrimSpace(c.DefaultCategory) == "" {
		errors = append(errors, "receipt default category cannot be empty")
	}

	if c.SyncMaxBackoff < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync max backoff %v: must be at least 1 second", c.SyncMaxBackoff))
	} else if c.SyncMaxBackoff > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync max backoff %v: must be at most 24 hours", c.SyncMaxBackoff))
	}

	// Validate AMQP URL if provided
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
		if c.AMQPResultQueue == c.AMQPQueue {
			errors = append(errors, "AMQP result queue must differ from the request queue")
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	// Return combined errors
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Sender transport
	SenderKind     string // "webhook" or "smtp"
	WebhookURL     string
	WebhookTimeout time.Duration
	SMTPAddr       string
	SMTPFrom       string

	// Queue behaviour
	MaxPayloadBytes      int
	DedupWindow          time.Duration
	RequireDiscriminator bool
	StuckThreshold       time.Duration
	ClaimBatchSize       int

	// Rate limiting: maximum sends per 60-second window, fleet-wide
	RateLimitPerMinute int

	// Operator alerting
	AdminTarget string

	// Background loop intervals
	DispatchInterval time.Duration
	ReaperInterval   time.Duration
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		SenderKind:     getEnv("SENDER_KIND", "webhook"),
		WebhookURL:     getEnv("WEBHOOK_URL", "http://localhost:9090/deliver"),
		WebhookTimeout: getDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		SMTPAddr:       getEnv("SMTP_ADDR", "localhost:25"),
		SMTPFrom:       getEnv("SMTP_FROM", "noreply@example.com"),

		MaxPayloadBytes:      getInt("MAX_PAYLOAD_BYTES", 256*1024),
		DedupWindow:          getDuration("DEDUP_WINDOW", 10*time.Minute),
		RequireDiscriminator: getBool("DEDUP_REQUIRE_DISCRIMINATOR", false),
		StuckThreshold:       getDuration("STUCK_THRESHOLD", 10*time.Minute),
		ClaimBatchSize:       getInt("CLAIM_BATCH_SIZE", 25),

		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 60),

		AdminTarget: getEnv("ADMIN_TARGET", "ops@example.com"),

		DispatchInterval: getDuration("DISPATCH_INTERVAL", 15*time.Second),
		ReaperInterval:   getDuration("REAPER_INTERVAL", 60*time.Second),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

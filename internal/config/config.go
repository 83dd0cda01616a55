package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Env       string
	Port      string
	JWTSecret string
	EncKey    string
	Database  DatabaseConfig
	Capsules  CapsuleConfig
	Scheduler SchedulerConfig
	Mailer    MailerConfig
	RedisAddr string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// CapsuleConfig holds domain policy knobs
type CapsuleConfig struct {
	MinHold       time.Duration
	MaxContentLen int
}

// SchedulerConfig holds delivery sweep configuration
type SchedulerConfig struct {
	SweepInterval time.Duration
	CatchupWindow time.Duration // 0 means unbounded catch-up after an outage
	NotifyTimeout time.Duration
	SendsPerSec   float64
}

// MailerConfig holds Brevo transactional email configuration
type MailerConfig struct {
	APIKey      string
	SenderEmail string
	SenderName  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	encKey := os.Getenv("ENC_KEY")
	if encKey == "" {
		return nil, fmt.Errorf("ENC_KEY is required (64 hex chars)")
	}

	return &Config{
		Env:       getEnv("APP_ENV", "development"),
		Port:      getEnv("PORT", "3100"),
		JWTSecret: jwtSecret,
		EncKey:    encKey,
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "capsuled"),
		},
		Capsules: CapsuleConfig{
			MinHold:       getDuration("MIN_HOLD", 15*time.Minute),
			MaxContentLen: 250,
		},
		Scheduler: SchedulerConfig{
			SweepInterval: getDuration("SWEEP_INTERVAL", 5*time.Minute),
			CatchupWindow: getDuration("CATCHUP_WINDOW", 30*24*time.Hour),
			NotifyTimeout: getDuration("NOTIFY_TIMEOUT", 10*time.Second),
			SendsPerSec:   2,
		},
		Mailer: MailerConfig{
			APIKey:      os.Getenv("BREVO_API_KEY"),
			SenderEmail: getEnv("MAIL_SENDER_EMAIL", "no-reply@capsulejournal.dev"),
			SenderName:  getEnv("MAIL_SENDER_NAME", "Time Capsule Journal"),
		},
		RedisAddr: os.Getenv("REDIS_ADDR"),
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration parses an environment variable as a Go duration string
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

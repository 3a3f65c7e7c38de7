// Package config handles kiosk configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all kiosk configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development" or "production"
	LogLevel string

	// Storage paths
	DataFile  string // ledger JSON file
	AdminDB   string // admin SQLite database
	UploadDir string // uploaded document spool

	// Coin acceptor
	SerialPort     string // empty = first detected port
	SerialBaud     int
	FragmentWindow time.Duration // two-digit coin disambiguation window

	// Upload sessions
	SessionTTL    time.Duration
	MaxUploadSize int64

	// Dispatch
	PrintCommand string // external print command; empty = log-only dispatcher
}

// Defaults mirror the kiosk's field deployment.
const (
	DefaultPort           = "3000"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultDataFile       = "db.json"
	DefaultAdminDB        = "admin.db"
	DefaultUploadDir      = "uploads"
	DefaultSerialBaud     = 9600
	DefaultFragmentWindow = 140 * time.Millisecond
	DefaultSessionTTL     = 15 * time.Minute
	DefaultMaxUploadSize  = 25 << 20 // 25 MiB
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DataFile:       getEnv("KIOSK_DATA_FILE", DefaultDataFile),
		AdminDB:        getEnv("KIOSK_ADMIN_DB", DefaultAdminDB),
		UploadDir:      getEnv("KIOSK_UPLOAD_DIR", DefaultUploadDir),
		SerialPort:     os.Getenv("KIOSK_SERIAL_PORT"), // optional, autodetect if empty
		SerialBaud:     int(getEnvInt64("KIOSK_SERIAL_BAUD", DefaultSerialBaud)),
		FragmentWindow: getEnvDuration("KIOSK_FRAGMENT_WINDOW", DefaultFragmentWindow),
		SessionTTL:     getEnvDuration("KIOSK_SESSION_TTL", DefaultSessionTTL),
		MaxUploadSize:  getEnvInt64("KIOSK_MAX_UPLOAD_BYTES", DefaultMaxUploadSize),
		PrintCommand:   os.Getenv("KIOSK_PRINT_COMMAND"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SerialBaud <= 0 {
		return fmt.Errorf("KIOSK_SERIAL_BAUD must be positive")
	}
	if c.FragmentWindow <= 0 {
		return fmt.Errorf("KIOSK_FRAGMENT_WINDOW must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("KIOSK_SESSION_TTL must be positive")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("KIOSK_MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
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

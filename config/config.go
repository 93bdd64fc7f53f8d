package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	defaultConverterImage = "registry.opensuse.org/home/jcronenberg/migrate-wicked/containers/opensuse/wicked2nm:latest"
)

type Config struct {
	AppEnv           string
	HTTPAddr         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	MaxUploadBytes   int64
	TrustProxy       bool

	WorkspaceRoot string

	LedgerDriver string
	LedgerDSN    string

	JobTTL         time.Duration
	ReaperInterval time.Duration

	ContainerRuntime     string
	ConverterImage       string
	ConverterTimeout     time.Duration
	ConverterPullOnStart bool

	RateLimitPerMinute int
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisPrefix        string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	driver := strings.ToLower(getEnv("LEDGER_DRIVER", DriverSQLite))

	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "production"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		HTTPReadTimeout:  seconds("HTTP_READ_TIMEOUT_SECONDS", 30),
		HTTPWriteTimeout: seconds("HTTP_WRITE_TIMEOUT_SECONDS", 180),
		HTTPIdleTimeout:  seconds("HTTP_IDLE_TIMEOUT_SECONDS", 60),
		MaxUploadBytes:   int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		TrustProxy:       getEnvBool("TRUST_PROXY_HEADERS", false),

		WorkspaceRoot: getEnv("WORKSPACE_ROOT", filepath.Join(os.TempDir(), "netmigrate")),

		LedgerDriver: driver,
		LedgerDSN:    ledgerDSN(driver),

		JobTTL:         seconds("JOB_TTL_SECONDS", 300),
		ReaperInterval: seconds("REAPER_INTERVAL_SECONDS", 15),

		ContainerRuntime:     getEnv("CONTAINER_RUNTIME", "podman"),
		ConverterImage:       getEnv("CONVERTER_IMAGE", defaultConverterImage),
		ConverterTimeout:     seconds("CONVERTER_TIMEOUT", 120),
		ConverterPullOnStart: getEnvBool("CONVERTER_PULL_ON_START", true),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisPrefix:        getEnv("REDIS_PREFIX", "netmigrate:"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER %q", c.LedgerDriver)
	}
	if c.JobTTL <= 0 {
		return errors.New("JOB_TTL_SECONDS must be positive")
	}
	if c.ReaperInterval <= 0 {
		return errors.New("REAPER_INTERVAL_SECONDS must be positive")
	}
	if c.ConverterTimeout <= 0 {
		return errors.New("CONVERTER_TIMEOUT must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

// IsDevelopment reports whether verbose console logging should be used.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func ledgerDSN(driver string) string {
	if dsn := getEnv("LEDGER_DSN", ""); dsn != "" {
		return dsn
	}
	if driver != DriverPostgres {
		return "netmigrate.db"
	}

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "netmigrate")
	dbUser := getEnv("DB_USERNAME", "netmigrate")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// key=value form avoids URI escaping issues for special characters in passwords.
	dsn := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dsn += fmt.Sprintf(" password=%s", dbPassword)
	}
	return dsn
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func seconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

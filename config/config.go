package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Backends selectable via STORE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	StoreBackend string
	SQLitePath   string

	SnapshotDir     string
	ExportDir       string
	GracePeriodDays int
	MaxConcurrency  int
	RunDate         time.Time
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "tracker"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "tracker123"),
		PostgresDB:       getEnv("POSTGRES_DB", "estate_db"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		StoreBackend: getEnv("STORE_BACKEND", BackendPostgres),
		SQLitePath:   getEnv("SQLITE_PATH", "./data/estate.db"),

		SnapshotDir:     getEnv("SNAPSHOT_DIR", "./snapshots"),
		ExportDir:       getEnv("EXPORT_DIR", ""),
		GracePeriodDays: getEnvInt("GRACE_PERIOD_DAYS", 3),
		MaxConcurrency:  getEnvInt("MAX_CONCURRENCY", 4),
		RunDate:         getEnvDate("RUN_DATE", time.Now().UTC()),
	}

	// The recognised operational range; values outside it still run,
	// the reconciler only rejects non-positive ones.
	if cfg.GracePeriodDays < 3 || cfg.GracePeriodDays > 7 {
		log.Printf("[config] GRACE_PERIOD_DAYS=%d is outside the usual 3–7 range", cfg.GracePeriodDays)
	}

	return cfg
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDate(key string, fallback time.Time) time.Time {
	if val := os.Getenv(key); val != "" {
		t, err := time.ParseInLocation("2006-01-02", val, time.UTC)
		if err == nil {
			return t
		}
		log.Printf("[config] %s=%q is not a YYYY-MM-DD date, using today", key, val)
	}
	return fallback
}

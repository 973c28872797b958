// Package config loads runtime configuration from the environment.
//
// A .env file in the working directory is loaded first if present;
// real environment variables always win over it.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	Port    int
	DBPath  string
	LogMode string

	// Operation lock
	LockTimeout time.Duration
	RedisAddr   string // empty = process-local lock
	LockTTL     time.Duration

	// Transaction timeout for every ledger write
	TxTimeout time.Duration

	// Reconciliation
	ReconcileCron       string // empty = scheduler disabled
	ReconcileAutoRepair bool
	ProgressTolerance   decimal.Decimal

	// Payment webhook idempotency window
	WebhookTTL time.Duration
}

// Load reads configuration. Missing or malformed values fall back to defaults
// and are reported in the returned warnings.
func Load() (*Config, []string) {
	var warnings []string
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		warnings = append(warnings, "could not parse .env: "+err.Error())
	}

	cfg := &Config{
		Port:                getEnvInt("PORT", 8080, &warnings),
		DBPath:              getEnv("DB_PATH", "enrollment.db"),
		LogMode:             getEnv("LOG_MODE", "dev"),
		LockTimeout:         getEnvDuration("LOCK_TIMEOUT", 5*time.Second, &warnings),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		LockTTL:             getEnvDuration("LOCK_TTL", 30*time.Second, &warnings),
		TxTimeout:           getEnvDuration("TX_TIMEOUT", 10*time.Second, &warnings),
		ReconcileCron:       getEnv("RECONCILE_CRON", ""),
		ReconcileAutoRepair: getEnvBool("RECONCILE_AUTO_REPAIR", false, &warnings),
		ProgressTolerance:   getEnvDecimal("PROGRESS_TOLERANCE", decimal.NewFromInt(1), &warnings),
		WebhookTTL:          getEnvDuration("WEBHOOK_TTL", 48*time.Hour, &warnings),
	}
	return cfg, warnings
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int, warnings *[]string) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*warnings = append(*warnings, key+": not an integer, using default")
		return def
	}
	return i
}

func getEnvBool(key string, def bool, warnings *[]string) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*warnings = append(*warnings, key+": not a boolean, using default")
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration, warnings *[]string) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*warnings = append(*warnings, key+": not a positive duration, using default")
		return def
	}
	return d
}

func getEnvDecimal(key string, def decimal.Decimal, warnings *[]string) decimal.Decimal {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		*warnings = append(*warnings, key+": not a non-negative number, using default")
		return def
	}
	return d
}

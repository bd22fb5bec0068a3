package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config carries every tunable the engine reads from the environment.
// Monetary thresholds are integer cents.
type Config struct {
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TaxRatePercent float64

	RefundWindowDays             int
	RefundApprovalThresholdCents int64
	RefundWindowOverrideEnabled  bool
	DrawerApprovalThresholdCents int64

	SequenceCacheTTLSeconds int

	ApprovalSecret     string
	ApprovalTTLMinutes int
	ManagerPIN         string
}

func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		RedisAddr:                   getEnv("REDIS_ADDR", ""),
		RedisPassword:               os.Getenv("REDIS_PASSWORD"),
		ApprovalSecret:              os.Getenv("APPROVAL_SECRET"),
		ManagerPIN:                  os.Getenv("MANAGER_PIN"),
		RefundWindowOverrideEnabled: getEnvBool("REFUND_WINDOW_OVERRIDE_ENABLED", false),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.TaxRatePercent, err = getEnvFloat("TAX_RATE_PERCENT", 15); err != nil {
		return Config{}, err
	}
	if cfg.RefundWindowDays, err = getEnvInt("REFUND_WINDOW_DAYS", 30); err != nil {
		return Config{}, err
	}
	if cfg.RefundApprovalThresholdCents, err = getEnvInt64("REFUND_APPROVAL_THRESHOLD_CENTS", 50000); err != nil {
		return Config{}, err
	}
	if cfg.DrawerApprovalThresholdCents, err = getEnvInt64("DRAWER_APPROVAL_THRESHOLD_CENTS", 5000); err != nil {
		return Config{}, err
	}
	if cfg.SequenceCacheTTLSeconds, err = getEnvInt("SEQUENCE_CACHE_TTL_SECONDS", 60); err != nil {
		return Config{}, err
	}
	if cfg.ApprovalTTLMinutes, err = getEnvInt("APPROVAL_TTL_MINUTES", 15); err != nil {
		return Config{}, err
	}

	if cfg.TaxRatePercent < 0 || cfg.TaxRatePercent > 100 {
		return Config{}, fmt.Errorf("TAX_RATE_PERCENT %.4f out of range [0,100]", cfg.TaxRatePercent)
	}
	if cfg.RefundWindowDays < 1 {
		return Config{}, fmt.Errorf("REFUND_WINDOW_DAYS must be at least 1, got %d", cfg.RefundWindowDays)
	}
	if cfg.RefundApprovalThresholdCents < 1 {
		return Config{}, fmt.Errorf("REFUND_APPROVAL_THRESHOLD_CENTS must be positive, got %d", cfg.RefundApprovalThresholdCents)
	}
	if cfg.DrawerApprovalThresholdCents < 1 {
		return Config{}, fmt.Errorf("DRAWER_APPROVAL_THRESHOLD_CENTS must be positive, got %d", cfg.DrawerApprovalThresholdCents)
	}

	return cfg, nil
}

func getEnv(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, value)
	}
	return parsed, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, value)
	}
	return parsed, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, value)
	}
	return parsed, nil
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full worker configuration. Call Load after godotenv has
// populated the environment.
type Config struct {
	DatabaseURL     string        `validate:"required"`
	WorkerCount     int           `validate:"min=1,max=64"`
	StepTimeout     time.Duration `validate:"min=1s"`
	ClaimTTL        time.Duration `validate:"min=1s"`
	MaxStepAttempts int           `validate:"min=1,max=10"`
	PageSize        int           `validate:"min=1,max=200"`
	JournalSeries   string        `validate:"required,len=1"`
	DataDir         string        `validate:"required"`
}

// Load reads configuration from environment variables, applying defaults
// for everything but DATABASE_URL.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WorkerCount:     envInt("WORKER_COUNT", 4),
		StepTimeout:     envDuration("STEP_TIMEOUT", 15*time.Second),
		ClaimTTL:        envDuration("CLAIM_TTL", time.Minute),
		MaxStepAttempts: envInt("MAX_STEP_ATTEMPTS", 3),
		PageSize:        envInt("PAGE_SIZE", 50),
		JournalSeries:   envString("JOURNAL_SERIES", "A"),
		DataDir:         envString("DATA_DIR", "data"),
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

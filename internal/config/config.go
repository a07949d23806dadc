// Package config loads engine configuration from the environment, with
// an optional .env file for development.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server binary needs to start.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// EODFlattenSpec is the cron expression for the end-of-day flatten
	// sweep; empty disables the scheduler.
	EODFlattenSpec string

	// MissingLimitPolicy is "allow" or "reject" (see limits package).
	MissingLimitPolicy string
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first if present.
func Load() Config {
	_ = godotenv.Load() // absent in production, fine

	return Config{
		Port:               getenv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		CacheTTL:           getduration("CACHE_TTL", 30*time.Second),
		EODFlattenSpec:     getenv("EOD_FLATTEN_SPEC", "0 18 * * 1-5"),
		MissingLimitPolicy: getenv("MISSING_LIMIT_POLICY", "allow"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

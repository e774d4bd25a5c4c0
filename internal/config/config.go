package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	RedisURL    string
	// Upstream platform API
	PlatformURL        string
	EntitlementProduct string
	// Inbound bearer tokens
	JWTSecret string
	// Query cache
	CacheTTL  time.Duration
	CacheSize int
	// Aggregated session freshness window
	SessionMaxAge time.Duration
	CORSOrigin    string
}

func Load() Config {
	return Config{
		Addr: getenv("API_ADDR", ":8686"),
		// DATABASE_URL is optional; preferences fall back to Redis when unset
		DatabaseURL:        getenv("DATABASE_URL", ""),
		RedisURL:           getenv("REDIS_URL", "redis://localhost:6379/0"),
		PlatformURL:        getenv("WELLSPRING_PLATFORM_URL", "https://api.wellspring.health/v1"),
		EntitlementProduct: getenv("WELLSPRING_PRODUCT", "LR"),
		JWTSecret:          getenv("WELLSPRING_JWT_SECRET", "wellspring-dev-secret"),
		CacheTTL:           time.Duration(getenvInt("WELLSPRING_CACHE_TTL_SECONDS", 60)) * time.Second,
		CacheSize:          getenvInt("WELLSPRING_CACHE_SIZE", 512),
		SessionMaxAge:      time.Duration(getenvInt("WELLSPRING_SESSION_MAX_AGE_SECONDS", 604800)) * time.Second,
		CORSOrigin:         getenv("WELLSPRING_CORS_ORIGIN", "*"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

package reliability

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for reliability testing.
type Config struct {
	Level     string        // "basic" or "stress".
	Duration  time.Duration // Test duration for stress tests.
	Producers int           // Concurrent capturing goroutines.
}

// getConfig reads configuration from environment variables.
func getConfig() Config {
	return Config{
		Level:     os.Getenv("SENTRYZ_RELIABILITY_LEVEL"),
		Duration:  parseDuration(getEnv("SENTRYZ_RELIABILITY_DURATION", "10s")),
		Producers: parseInt(getEnv("SENTRYZ_RELIABILITY_PRODUCERS", "50")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	if value, err := strconv.Atoi(s); err == nil {
		return value
	}
	return 0
}

func parseDuration(s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 10 * time.Second
}

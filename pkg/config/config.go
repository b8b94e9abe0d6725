package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort     string
	APIBaseURL     string
	WebSocketURL   string
	Environment    string
	JWTSecret      string
	JWTExpiry      int64
	RequestTimeout time.Duration
	CatchUpLimit   int
}

func Load() (*Config, error) {
	godotenv.Load()

	config := &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		APIBaseURL:     getEnv("API_BASE_URL", "http://localhost:8080"),
		WebSocketURL:   getEnv("WS_URL", "ws://localhost:8080/ws"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		JWTSecret:      getEnv("JWT_SECRET", "your-secret-key"),
		JWTExpiry:      getEnvAsInt64("JWT_EXPIRY", 24*60*60), // 24 hours
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 12*time.Second),
		CatchUpLimit:   int(getEnvAsInt64("CATCHUP_LIMIT", 50)),
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

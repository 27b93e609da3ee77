package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	DatabaseURL string
	LiteMode    bool
	DataDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PolicyFile string
	ShadowMode bool

	CycleInterval    time.Duration
	CycleConcurrency int

	OTelEnabled  bool
	OTelEndpoint string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load loads configuration from environment variables.
// Unparseable numeric values fall back to their defaults.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		LogFormat:   strings.ToLower(getenv("LOG_FORMAT", "text")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LiteMode:    os.Getenv("LITE_MODE") == "true",
		DataDir:     getenv("DATA_DIR", "data"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		PolicyFile: os.Getenv("POLICY_FILE"),
		ShadowMode: os.Getenv("SHADOW_MODE") == "true",

		CycleInterval:    getDuration("CYCLE_INTERVAL", time.Hour),
		CycleConcurrency: getInt("CYCLE_CONCURRENCY", 4),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_ENDPOINT", "localhost:4317"),

		RateLimitRPS:   getFloat("API_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getInt("API_RATE_LIMIT_BURST", 20),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	MongoURI      string
	MongoDatabase string
	LogLevel      string
	LogFormat     string

	// Synthetic decoder backend (development mode).
	DecodeSeekCost  time.Duration // cost of walking to a GOP anchor
	DecodeFrameCost time.Duration // per-frame decode cost within a group

	CacheMaxFramesPerClip int

	CORSAllowedOrigins []string

	Tuning Tuning
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DB", "scrubengine"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),

		DecodeSeekCost:  getEnvDuration("DECODE_SEEK_COST", 8*time.Millisecond),
		DecodeFrameCost: getEnvDuration("DECODE_FRAME_COST", 500*time.Microsecond),

		CacheMaxFramesPerClip: int(getEnvInt64("CACHE_MAX_FRAMES_PER_CLIP", 512)),

		CORSAllowedOrigins: splitEnvList("CORS_ALLOWED_ORIGINS"),

		Tuning: LoadTuning(),
	}
}

func splitEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Signaling collaborator
	SignalingURL  string // http(s) base URL of the signaling service
	Transport     string // "sse" or "websocket"
	SessionID     string
	ParticipantID string
	HostID        string // host participant id, used by viewers
	Token         string

	// ICE
	ICEURLs       []string
	ICEUsername   string
	ICECredential string

	// Quality monitoring
	SampleInterval       time.Duration // display/control cadence
	ReportInterval       time.Duration // external stats reporting cadence
	MaxReconnectAttempts int

	// Hub (dev/test signaling service)
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")

	var iceURLs []string
	if urls := getEnv("ICE_URLS", ""); urls != "" {
		iceURLs = strings.Split(urls, ",")
	}

	return &Config{
		SignalingURL:  getEnv("SIGNALING_URL", "http://localhost:8080"),
		Transport:     getEnv("SIGNALING_TRANSPORT", "sse"),
		SessionID:     getEnv("SESSION_ID", ""),
		ParticipantID: getEnv("PARTICIPANT_ID", ""),
		HostID:        getEnv("HOST_ID", "host"),
		Token:         getEnv("SESSION_TOKEN", ""),

		ICEURLs:       iceURLs,
		ICEUsername:   getEnv("ICE_USERNAME", ""),
		ICECredential: getEnv("ICE_CREDENTIAL", ""),

		SampleInterval:       getEnvDuration("QUALITY_SAMPLE_INTERVAL", 2*time.Second),
		ReportInterval:       getEnvDuration("STATS_REPORT_INTERVAL", 30*time.Second),
		MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 3),

		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", ""),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

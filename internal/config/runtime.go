package config

import (
	"os"
	"strconv"
	"time"
)

// Runtime holds process-level settings read from the environment. Admin
// configuration (models, pricing, routing, budgets) lives in the YAML file
// managed by Manager.
type Runtime struct {
	Addr            string
	LogLevel        string
	ConfigFile      string
	RedisURL        string
	DatabaseURL     string
	AWSRegion       string
	OTLPEndpoint    string
	SNSTopicArn     string
	SQSUsageQueue   string
	UsageLogFile    string
	EncryptionKey   string
	AdminAuthHash   string
	AdminAuth       bool
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func LoadRuntime() (*Runtime, error) {
	cfg := &Runtime{
		Addr:            getEnv("ADDR", ":8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ConfigFile:      getEnv("CONFIG_FILE", "config.yaml"),
		RedisURL:        getEnv("REDIS_URL", ""),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		AWSRegion:       getEnv("AWS_REGION", ""),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		SNSTopicArn:     getEnv("SNS_ALERT_TOPIC_ARN", ""),
		SQSUsageQueue:   getEnv("SQS_USAGE_QUEUE_URL", ""),
		UsageLogFile:    getEnv("USAGE_LOG_FILE", ""),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		AdminAuthHash:   getEnv("ADMIN_PASSWORD_HASH", ""),
		AdminAuth:       getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:    getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Evolution (WhatsApp gateway)
	EvolutionBaseURL string
	EvolutionAPIKey  string
	EvolutionTimeout time.Duration

	// Trinks (calendar API)
	TrinksBaseURL string
	TrinksAPIKey  string
	TrinksTimeout time.Duration

	// Delivery worker tuning
	WorkerCount       int
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	InterMessageDelay time.Duration
	HandoffGrace      time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryCapDelay     time.Duration

	RetentionDays  int
	SweepInterval  time.Duration
	StoreTimeout   time.Duration
	CacheTimeout   time.Duration
	AdminJWTSecret string
	WebhookToken   string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		EvolutionBaseURL: getEnv("EVOLUTION_BASE_URL", ""),
		EvolutionAPIKey:  getEnv("EVOLUTION_API_KEY", ""),
		EvolutionTimeout: getEnvAsDuration("EVOLUTION_TIMEOUT", 10*time.Second),

		TrinksBaseURL: getEnv("TRINKS_BASE_URL", ""),
		TrinksAPIKey:  getEnv("TRINKS_API_KEY", ""),
		TrinksTimeout: getEnvAsDuration("TRINKS_TIMEOUT", 10*time.Second),

		WorkerCount:       getEnvAsInt("WORKER_COUNT", 2),
		BatchSize:         getEnvAsInt("BATCH_SIZE", 25),
		PollInterval:      getEnvAsDuration("POLL_INTERVAL", 30*time.Second),
		VisibilityTimeout: getEnvAsDuration("VISIBILITY_TIMEOUT", 10*time.Minute),
		InterMessageDelay: getEnvAsDuration("INTER_MESSAGE_DELAY", 2*time.Second),
		HandoffGrace:      getEnvAsDuration("HANDOFF_GRACE", 5*time.Minute),
		MaxAttempts:       getEnvAsInt("MAX_ATTEMPTS", 3),
		RetryBaseDelay:    getEnvAsDuration("RETRY_BASE_DELAY", time.Second),
		RetryCapDelay:     getEnvAsDuration("RETRY_CAP_DELAY", 10*time.Second),

		RetentionDays:  getEnvAsInt("RETENTION_DAYS", 30),
		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", time.Hour),
		StoreTimeout:   getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
		CacheTimeout:   getEnvAsDuration("CACHE_TIMEOUT", 2*time.Second),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		WebhookToken:   getEnv("WEBHOOK_TOKEN", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

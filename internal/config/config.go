package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseJWTSecret     string
	SupabaseStorageBucket string

	// Database / Redis
	DatabaseURL string
	RedisURL    string

	// Image API (OpenAI compatible)
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	ImageTimeout  time.Duration

	// Secrets
	AdminAPISecretKey    string
	AdminOverrideKey     string
	TaskProcessSecretKey string

	// Payment gateway
	PaymentGatewayURL  string
	PaymentMerchantID  string
	PaymentMerchantKey string

	// Credits and tasks
	DefaultCredits    int
	TaskCreditCost    int
	StuckTaskMinutes  int
	SweepSchedule     string
	WorkerEnabled     bool
	WorkerConcurrency int

	CreditsRateLimit  int
	CreditsRateWindow time.Duration

	OAuthRedirectURL string

	// Server
	Port        string
	Environment string
	BaseURL     string
	LogLevel    string
	LogFormat   string

	// malformed holds variables that were set but could not be parsed.
	malformed []error
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		SupabaseURL:           getEnv("SUPABASE_URL", getEnv("NEXT_PUBLIC_SUPABASE_URL", "")),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseJWTSecret:     getEnv("SUPABASE_JWT_SECRET", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "generated-images"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "dall-e-3"),
		ImageTimeout:  env.Duration("IMAGE_TIMEOUT", 120*time.Second),

		AdminAPISecretKey:    getEnv("ADMIN_API_SECRET_KEY", ""),
		AdminOverrideKey:     getEnv("ADMIN_OVERRIDE_KEY", ""),
		TaskProcessSecretKey: getEnv("TASK_PROCESS_SECRET_KEY", ""),

		PaymentGatewayURL:  getEnv("PAYMENT_GATEWAY_URL", ""),
		PaymentMerchantID:  getEnv("PAYMENT_MERCHANT_ID", ""),
		PaymentMerchantKey: getEnv("PAYMENT_MERCHANT_KEY", ""),

		DefaultCredits:    env.Int("DEFAULT_CREDITS", 5),
		TaskCreditCost:    env.Int("TASK_CREDIT_COST", 1),
		StuckTaskMinutes:  env.Int("STUCK_TASK_MINUTES", 30),
		SweepSchedule:     getEnv("SWEEP_SCHEDULE", "@every 10m"),
		WorkerEnabled:     env.Bool("WORKER_ENABLED", true),
		WorkerConcurrency: env.Int("WORKER_CONCURRENCY", 5),

		CreditsRateLimit:  env.Int("CREDITS_RATE_LIMIT", 5),
		CreditsRateWindow: env.Duration("CREDITS_RATE_WINDOW", 60*time.Second),

		OAuthRedirectURL: getEnv("OAUTH_REDIRECT_URL", ""),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}

	cfg.malformed = env.errs

	// The service role key used to be called the publishable key in older deployments.
	if cfg.SupabaseServiceKey == "" {
		cfg.SupabaseServiceKey = getEnv("SUPABASE_PUBLISHABLE_KEY", "")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.malformed) > 0 {
		return errors.Join(c.malformed...)
	}
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required")
	}
	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.AdminAPISecretKey == "" {
		return fmt.Errorf("ADMIN_API_SECRET_KEY is required")
	}
	if c.TaskCreditCost <= 0 {
		return fmt.Errorf("TASK_CREDIT_COST must be positive")
	}
	if c.DefaultCredits < 0 {
		return fmt.Errorf("DEFAULT_CREDITS must not be negative")
	}
	if c.StuckTaskMinutes <= 0 {
		return fmt.Errorf("STUCK_TASK_MINUTES must be positive")
	}
	if c.ImageTimeout <= 0 {
		return fmt.Errorf("IMAGE_TIMEOUT must be positive")
	}
	return nil
}

// StuckTaskThreshold is the age after which a processing task is considered stuck.
func (c *Config) StuckTaskThreshold() time.Duration {
	return time.Duration(c.StuckTaskMinutes) * time.Minute
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed variables, falling back to the default only when a
// variable is unset and recording the ones that do not parse.
type envReader struct {
	errs []error
}

func (r *envReader) Int(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return parsed
}

func (r *envReader) Bool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, value))
		return defaultValue
	}
	return parsed
}

func (r *envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return defaultValue
	}
	return parsed
}

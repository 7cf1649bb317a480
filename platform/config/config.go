// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// SchedulerConfig provides settings for the asynq-based batch scheduler.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetBatchInterval() time.Duration
}

// EngineConfig provides settings for the sequence step executor.
type EngineConfig interface {
	GetBatchParallelism() int
	GetMessageRetryLimit() int
}

// GeneratorConfig provides settings for the message content generator.
type GeneratorConfig interface {
	GetGeminiAPIKey() string
	GetGeminiModel() string
	GetGenerateTimeout() time.Duration
	IsGeneratorEnabled() bool
}

// SMSConfig provides settings for the SMS gateway dispatcher.
type SMSConfig interface {
	GetSMSPrimaryURL() string
	GetSMSPrimaryKey() string
	GetSMSSecondaryURL() string
	GetSMSSecondaryKey() string
	GetSMSRatePerSecond() float64
	IsSMSEnabled() bool
}

// EmailConfig provides settings for email sending. Brevo is the primary
// transport; SMTP is the self-hosted alternative when no API key is set.
type EmailConfig interface {
	GetEmailEnabled() bool
	GetBrevoAPIKey() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env               string
	HTTPAddr          string
	DatabaseURL       string
	CORSAllowAll      bool
	CORSOrigins       []string
	RedisURL          string
	RedisTLSInsecure  bool
	AsynqQueueName    string
	AsynqConcurrency  int
	BatchInterval     time.Duration
	BatchParallelism  int
	MessageRetryLimit int
	GeminiAPIKey      string
	GeminiModel       string
	GenerateTimeout   time.Duration
	SMSPrimaryURL     string
	SMSPrimaryKey     string
	SMSSecondaryURL   string
	SMSSecondaryKey   string
	SMSRatePerSecond  float64
	EmailEnabled      bool
	BrevoAPIKey       string
	EmailFromName     string
	EmailFromAddress  string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
}

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string               { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool         { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string         { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int          { return c.AsynqConcurrency }
func (c *Config) GetBatchInterval() time.Duration   { return c.BatchInterval }

// EngineConfig implementation
func (c *Config) GetBatchParallelism() int  { return c.BatchParallelism }
func (c *Config) GetMessageRetryLimit() int { return c.MessageRetryLimit }

// GeneratorConfig implementation
func (c *Config) GetGeminiAPIKey() string           { return c.GeminiAPIKey }
func (c *Config) GetGeminiModel() string            { return c.GeminiModel }
func (c *Config) GetGenerateTimeout() time.Duration { return c.GenerateTimeout }
func (c *Config) IsGeneratorEnabled() bool          { return c.GeminiAPIKey != "" }

// SMSConfig implementation
func (c *Config) GetSMSPrimaryURL() string     { return c.SMSPrimaryURL }
func (c *Config) GetSMSPrimaryKey() string     { return c.SMSPrimaryKey }
func (c *Config) GetSMSSecondaryURL() string   { return c.SMSSecondaryURL }
func (c *Config) GetSMSSecondaryKey() string   { return c.SMSSecondaryKey }
func (c *Config) GetSMSRatePerSecond() float64 { return c.SMSRatePerSecond }
func (c *Config) IsSMSEnabled() bool           { return c.SMSPrimaryURL != "" }

// EmailConfig implementation
func (c *Config) GetEmailEnabled() bool       { return c.EmailEnabled }
func (c *Config) GetBrevoAPIKey() string      { return c.BrevoAPIKey }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	brevoAPIKey := getEnv("BREVO_API_KEY", "")
	smtpHost := getEnv("SMTP_HOST", "")
	emailEnabled := strings.EqualFold(getEnv("EMAIL_ENABLED", "true"), "true")

	cfg := &Config{
		Env:               getEnv("APP_ENV", "development"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		CORSAllowAll:      corsAllowAll,
		CORSOrigins:       corsOrigins,
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisTLSInsecure:  strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:    getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:  mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		BatchInterval:     mustDuration(getEnv("SEQUENCE_BATCH_INTERVAL", "5m")),
		BatchParallelism:  mustInt(getEnv("SEQUENCE_BATCH_PARALLELISM", "8")),
		MessageRetryLimit: mustInt(getEnv("SEQUENCE_MESSAGE_RETRY_LIMIT", "3")),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GenerateTimeout:   mustDuration(getEnv("GENERATE_TIMEOUT", "10s")),
		SMSPrimaryURL:     getEnv("SMS_PRIMARY_URL", ""),
		SMSPrimaryKey:     getEnv("SMS_PRIMARY_KEY", ""),
		SMSSecondaryURL:   getEnv("SMS_SECONDARY_URL", ""),
		SMSSecondaryKey:   getEnv("SMS_SECONDARY_KEY", ""),
		SMSRatePerSecond:  mustFloat(getEnv("SMS_RATE_PER_SECOND", "10")),
		EmailEnabled:      emailEnabled && (brevoAPIKey != "" || smtpHost != ""),
		BrevoAPIKey:       brevoAPIKey,
		EmailFromName:     getEnv("EMAIL_FROM_NAME", "ServiceCRM"),
		EmailFromAddress:  getEnv("EMAIL_FROM_ADDRESS", ""),
		SMTPHost:          smtpHost,
		SMTPPort:          mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.BatchInterval < time.Minute {
		cfg.BatchInterval = time.Minute
	}
	if cfg.BatchParallelism < 1 {
		cfg.BatchParallelism = 1
	}
	if cfg.MessageRetryLimit < 1 {
		cfg.MessageRetryLimit = 1
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 10 * time.Second
	}
	if cfg.EmailEnabled && cfg.EmailFromAddress == "" {
		return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required when email is enabled")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}

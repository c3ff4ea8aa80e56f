package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// Stripe gateway configuration
	Stripe StripeConfig

	// Booking policy configuration
	Booking BookingConfig

	// Payout configuration
	Payout PayoutConfig

	// CORS configuration
	CORS CORSConfig

	// Security configuration
	Security SecurityConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret             string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// StripeConfig holds Stripe API configuration
type StripeConfig struct {
	SecretKey      string // Stripe secret key (SECRET - never expose to client)
	WebhookSecret  string // Signing secret for webhook endpoint verification
	Currency       string // ISO currency code for charges and transfers
	APIBaseURL     string // Override for tests; defaults to https://api.stripe.com
	RequestTimeout time.Duration
}

// BookingConfig holds consultation booking policy configuration
type BookingConfig struct {
	DefaultDurationMinutes int           // Consultation length when the request omits one
	DefaultFee             float64       // Consultation fee when the request omits one
	MaxReschedules         int           // Reschedule attempts before forced cancellation
	RescheduleRefundRate   float64       // Refund fraction applied on the forced cancellation
	DisputeReplyWindow     time.Duration // Respondent reply window after a no-show claim
	AutoCompleteAfterDays  int           // Business days after session end before auto-completion
	Timezone               string        // Reference timezone for slot and conflict comparisons
}

// PayoutConfig holds expert payout configuration
type PayoutConfig struct {
	InstantFee float64 // Flat fee subtracted from instant payout batches
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	BcryptCost       int
	EnableRequestLog bool
	EnableAuditLog   bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		JWT: JWTConfig{
			Secret:             getEnv("JWT_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
			RefreshTokenExpiry: time.Duration(getEnvAsInt("JWT_REFRESH_TOKEN_EXPIRY", 604800)) * time.Second,
		},
		Stripe: StripeConfig{
			SecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Currency:       getEnv("STRIPE_CURRENCY", "gbp"),
			APIBaseURL:     getEnv("STRIPE_API_BASE_URL", "https://api.stripe.com"),
			RequestTimeout: time.Duration(getEnvAsInt("STRIPE_REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Booking: BookingConfig{
			DefaultDurationMinutes: getEnvAsInt("CONSULTATION_DURATION_MINUTES", 30),
			DefaultFee:             getEnvAsFloat("CONSULTATION_FEE", 100.00),
			MaxReschedules:         getEnvAsInt("BOOKING_MAX_RESCHEDULES", 3),
			RescheduleRefundRate:   getEnvAsFloat("BOOKING_RESCHEDULE_REFUND_RATE", 0.5),
			DisputeReplyWindow:     time.Duration(getEnvAsInt("DISPUTE_REPLY_WINDOW_HOURS", 24)) * time.Hour,
			AutoCompleteAfterDays:  getEnvAsInt("BOOKING_AUTO_COMPLETE_BUSINESS_DAYS", 3),
			Timezone:               getEnv("BOOKING_TIMEZONE", "Europe/London"),
		},
		Payout: PayoutConfig{
			InstantFee: getEnvAsFloat("INSTANT_PAYOUT_FEE", 2.00),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Security: SecurityConfig{
			BcryptCost:       getEnvAsInt("BCRYPT_COST", 12),
			EnableRequestLog: getEnvAsBool("ENABLE_REQUEST_LOGGING", true),
			EnableAuditLog:   getEnvAsBool("ENABLE_AUDIT_LOGGING", true),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.JWT.RefreshSecret == "" {
		return fmt.Errorf("JWT_REFRESH_SECRET is required")
	}

	if c.Booking.RescheduleRefundRate < 0 || c.Booking.RescheduleRefundRate > 1 {
		return fmt.Errorf("BOOKING_RESCHEDULE_REFUND_RATE must be between 0 and 1")
	}

	// Stripe credentials are required outside development so a misconfigured
	// deploy fails at startup rather than at the first charge.
	if c.Server.Environment == "production" {
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production mode")
		}
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production mode")
		}
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Invalid float value for %s, using default: %f", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

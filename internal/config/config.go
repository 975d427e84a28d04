package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tesseract-Nexus/go-shared/secrets"
	"github.com/sirupsen/logrus"

	"payment-core/internal/models"
)

// Config holds all configuration for the payment core
type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string

	// Redis (token cache, idempotency keys)
	RedisURL string

	// NATS
	NATSURL        string
	EventsTenantID string

	// Collaborators
	NotificationServiceURL string
	StaffServiceURL        string

	// HTTP
	CORSAllowedOrigins []string
	CallbackBaseURL    string
	RateLimitPerMinute int

	// Gateways
	RefundTimeout      time.Duration
	GatewayHTTPTimeout time.Duration
	GatewaySeeds       []models.GatewayConfig
}

// buildDatabaseURL constructs the database URL from individual components
// Password is fetched from GCP Secret Manager if enabled
func buildDatabaseURL(logger *logrus.Logger) string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	dbname := getEnv("DB_NAME", "payment_core")
	sslmode := getEnv("DB_SSLMODE", "disable")

	password := getPasswordFromGCPOrEnv(logger)

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode)
}

// getPasswordFromGCPOrEnv fetches the database password from GCP Secret Manager
// or falls back to environment variable
func getPasswordFromGCPOrEnv(logger *logrus.Logger) string {
	if os.Getenv("USE_GCP_SECRET_MANAGER") != "true" {
		return getEnv("DB_PASSWORD", "password")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secretFetcher, err := secrets.NewEnvSecretFetcher(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize GCP Secret Manager, using DB_PASSWORD")
		return getEnv("DB_PASSWORD", "password")
	}
	defer secretFetcher.Close()

	password := secrets.LoadDatabasePassword(ctx, secretFetcher)
	if password == "" || password == "password" {
		logger.Warn("Got empty/default password from GCP Secret Manager, using DB_PASSWORD")
		return getEnv("DB_PASSWORD", "password")
	}

	logger.Info("Database password loaded from GCP Secret Manager")
	return password
}

// Load loads configuration from environment variables
func Load(logger *logrus.Logger) (*Config, error) {
	refundTimeout, err := getDuration("REFUND_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	httpTimeout, err := getDuration("GATEWAY_HTTP_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	rateLimit, err := strconv.Atoi(getEnv("RATE_LIMIT_PER_MINUTE", "120"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
	}

	config := &Config{
		Port:                   getEnv("PORT", "8092"),
		Environment:            getEnv("ENVIRONMENT", "development"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DatabaseURL:            buildDatabaseURL(logger),
		RedisURL:               getEnv("REDIS_URL", ""),
		NATSURL:                getEnv("NATS_URL", "nats://nats.nats.svc.cluster.local:4222"),
		EventsTenantID:         getEnv("EVENTS_TENANT_ID", "payment-core"),
		NotificationServiceURL: getEnv("NOTIFICATION_SERVICE_URL", "http://notification-service.global.svc.cluster.local:8090"),
		StaffServiceURL:        getEnv("STAFF_SERVICE_URL", "http://staff-service.global.svc.cluster.local:8080"),
		CORSAllowedOrigins:     splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		CallbackBaseURL:        getEnv("CALLBACK_BASE_URL", "http://localhost:8092"),
		RateLimitPerMinute:     rateLimit,
		RefundTimeout:          refundTimeout,
		GatewayHTTPTimeout:     httpTimeout,
		GatewaySeeds:           gatewaySeeds(),
	}

	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return config, nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// gatewaySeeds builds gateway configurations for local setups from SEED_GATEWAYS, e.g.
// SEED_GATEWAYS=online,bkash with ONLINE_BASE_URL, BKASH_DISPLAY_NAME and so on.
// Credentials stay in the environment; the adapters read them from there.
func gatewaySeeds() []models.GatewayConfig {
	var seeds []models.GatewayConfig
	for i, code := range splitList(os.Getenv("SEED_GATEWAYS")) {
		code = strings.ToLower(code)
		prefix := strings.ToUpper(code) + "_"
		seeds = append(seeds, models.GatewayConfig{
			Code:                code,
			DisplayName:         getEnv(prefix+"DISPLAY_NAME", strings.ToUpper(code[:1])+code[1:]),
			IsActive:            true,
			IsSandbox:           getEnv(prefix+"SANDBOX", "true") == "true",
			BaseURL:             os.Getenv(prefix + "BASE_URL"),
			CallbackURLTemplate: os.Getenv(prefix + "CALLBACK_URL_TEMPLATE"),
			Priority:            i,
			LogoURL:             os.Getenv(prefix + "LOGO_URL"),
			Credentials:         models.JSONB{},
		})
	}
	return seeds
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// UserIDHeader carries the caller identity set by the upstream auth proxy.
	UserIDHeader string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	AutoMigrate       bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL      string
	AMQPExchange string

	Credits   CreditsConfig
	RateLimit RateLimitConfig
	Checkout  CheckoutConfig
	PayPal    PayPalConfig
	Razorpay  RazorpayConfig
}

type CreditsConfig struct {
	PricingFile      string
	OveruseLimit     int64
	FreeMonthlyPages int64
	ChargeLockTTLSec int
}

// RateLimitConfig bounds checkout creation per user. Rates are tokens per second.
type RateLimitConfig struct {
	CheckoutRate  float64
	CheckoutBurst int
}

type CheckoutConfig struct {
	ReturnURL       string
	CancelURL       string
	DefaultProvider string
}

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	BrandName    string
}

type RazorpayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	TotalCount    int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "pagebill"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		UserIDHeader:      getenv("USER_ID_HEADER", "X-User-ID"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		AutoMigrate:       getenvBool("AUTO_MIGRATE", false),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		AMQPURL:           strings.TrimSpace(getenv("AMQP_URL", "")),
		AMQPExchange:      getenv("AMQP_EXCHANGE", "pagebill.events"),
		Credits: CreditsConfig{
			PricingFile:      getenv("PRICING_FILE", "pricing.json"),
			OveruseLimit:     getenvInt64("OVERUSE_LIMIT_PAGES", 10),
			FreeMonthlyPages: getenvInt64("FREE_MONTHLY_PAGES", 0),
			ChargeLockTTLSec: getenvInt("CHARGE_LOCK_TTL_SECONDS", 30),
		},
		RateLimit: RateLimitConfig{
			CheckoutRate:  getenvFloat("CHECKOUT_RATE_PER_SECOND", 0.2),
			CheckoutBurst: getenvInt("CHECKOUT_BURST", 5),
		},
		Checkout: CheckoutConfig{
			ReturnURL:       getenv("CHECKOUT_RETURN_URL", "http://localhost:3000/checkout/success"),
			CancelURL:       getenv("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
			DefaultProvider: strings.ToLower(getenv("CHECKOUT_DEFAULT_PROVIDER", "paypal")),
		},
		PayPal: PayPalConfig{
			BaseURL:      getenv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:     strings.TrimSpace(getenv("PAYPAL_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("PAYPAL_CLIENT_SECRET", "")),
			WebhookID:    strings.TrimSpace(getenv("PAYPAL_WEBHOOK_ID", "")),
			BrandName:    getenv("PAYPAL_BRAND_NAME", "pagebill"),
		},
		Razorpay: RazorpayConfig{
			BaseURL:       getenv("RAZORPAY_BASE_URL", "https://api.razorpay.com/v1"),
			KeyID:         strings.TrimSpace(getenv("RAZORPAY_KEY_ID", "")),
			KeySecret:     strings.TrimSpace(getenv("RAZORPAY_KEY_SECRET", "")),
			WebhookSecret: strings.TrimSpace(getenv("RAZORPAY_WEBHOOK_SECRET", "")),
			TotalCount:    getenvInt("RAZORPAY_SUBSCRIPTION_TOTAL_COUNT", 120),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

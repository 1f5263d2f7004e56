/**
 * @description
 * This package handles the configuration management for the escrow service.
 * It uses Viper to read configuration from an optional .env file and the
 * environment, then clamps values that would make the ledger misbehave.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: fee rates and minimums are parsed as decimals.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/transfa/escrow-service/internal/domain"
)

const (
	defaultPlatformFeeRate    = "0.10"
	defaultProcessingFeeRate  = "0.029"
	defaultProcessingFeeFixed = "0.30"
	defaultMinimumPayment     = "5.00"
	defaultMinimumWithdrawal  = "10.00"
	defaultAutoReleaseDays    = 14
	defaultMaxDisputeDays     = 30

	defaultPayoutConfirmationMins = 30
)

// Config holds all the configuration variables for the escrow service.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	StoreDriver             string `mapstructure:"STORE_DRIVER"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	AutoMigrate             bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix          string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	GatewayEventsExchange   string `mapstructure:"GATEWAY_EVENTS_EXCHANGE"`
	GatewayEventQueue       string `mapstructure:"GATEWAY_EVENT_QUEUE"`
	JWKSURL                 string `mapstructure:"JWKS_URL"`
	AdminRole               string `mapstructure:"ADMIN_ROLE"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	WebhookSecret           string `mapstructure:"WEBHOOK_SECRET"`
	PaymentGatewayBaseURL   string `mapstructure:"PAYMENT_GATEWAY_BASE_URL"`
	PaymentGatewayAPIKey    string `mapstructure:"PAYMENT_GATEWAY_API_KEY"`
	ContractServiceURL      string `mapstructure:"CONTRACT_SERVICE_URL"`
	ContractServiceAPIKey   string `mapstructure:"CONTRACT_SERVICE_INTERNAL_API_KEY"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PlatformFeeRate         string `mapstructure:"PLATFORM_FEE_RATE"`
	ProcessingFeeRate       string `mapstructure:"PROCESSING_FEE_RATE"`
	ProcessingFeeFixed      string `mapstructure:"PROCESSING_FEE_FIXED"`
	MinimumPayment          string `mapstructure:"MINIMUM_PAYMENT"`
	MinimumWithdrawal       string `mapstructure:"MINIMUM_WITHDRAWAL"`
	AutoReleaseDays         int    `mapstructure:"AUTO_RELEASE_DAYS"`
	MaxDisputeDays          int    `mapstructure:"MAX_DISPUTE_DAYS"`
	EarningsClearingHours   int    `mapstructure:"EARNINGS_CLEARING_HOURS"`
	WithdrawalRateLimit     int    `mapstructure:"WITHDRAWAL_RATE_LIMIT_PER_HOUR"`
	WithdrawalVolumeLimit   string `mapstructure:"WITHDRAWAL_VOLUME_LIMIT_PER_HOUR"`
	PayoutDispatchImmediate bool   `mapstructure:"PAYOUT_DISPATCH_IMMEDIATE"`
	PayoutConfirmationMins  int    `mapstructure:"PAYOUT_CONFIRMATION_MINUTES"`
	IdempotencyTTLHours     int    `mapstructure:"IDEMPOTENCY_TTL_HOURS"`
	SchedulerEnabled        bool   `mapstructure:"SCHEDULER_ENABLED"`
	AutoReleaseSchedule     string `mapstructure:"AUTO_RELEASE_JOB_SCHEDULE"`
	PayoutDispatchSchedule  string `mapstructure:"PAYOUT_DISPATCH_JOB_SCHEDULE"`
	ClearanceSchedule       string `mapstructure:"CLEARANCE_JOB_SCHEDULE"`
	OutboxEnabled           bool   `mapstructure:"OUTBOX_DISPATCHER_ENABLED"`
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("AUTO_MIGRATE", true)
	viper.SetDefault("REDIS_KEY_PREFIX", "escrow")
	viper.SetDefault("GATEWAY_EVENTS_EXCHANGE", "payment_gateway_events")
	viper.SetDefault("GATEWAY_EVENT_QUEUE", "escrow_service.gateway_updates")
	viper.SetDefault("ADMIN_ROLE", "admin")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("PLATFORM_FEE_RATE", defaultPlatformFeeRate)
	viper.SetDefault("PROCESSING_FEE_RATE", defaultProcessingFeeRate)
	viper.SetDefault("PROCESSING_FEE_FIXED", defaultProcessingFeeFixed)
	viper.SetDefault("MINIMUM_PAYMENT", defaultMinimumPayment)
	viper.SetDefault("MINIMUM_WITHDRAWAL", defaultMinimumWithdrawal)
	viper.SetDefault("AUTO_RELEASE_DAYS", defaultAutoReleaseDays)
	viper.SetDefault("MAX_DISPUTE_DAYS", defaultMaxDisputeDays)
	viper.SetDefault("EARNINGS_CLEARING_HOURS", 0)
	viper.SetDefault("WITHDRAWAL_RATE_LIMIT_PER_HOUR", 5)
	viper.SetDefault("WITHDRAWAL_VOLUME_LIMIT_PER_HOUR", "0")
	viper.SetDefault("PAYOUT_DISPATCH_IMMEDIATE", false)
	viper.SetDefault("PAYOUT_CONFIRMATION_MINUTES", defaultPayoutConfirmationMins)
	viper.SetDefault("IDEMPOTENCY_TTL_HOURS", 24)
	viper.SetDefault("SCHEDULER_ENABLED", true)
	viper.SetDefault("AUTO_RELEASE_JOB_SCHEDULE", "@every 5m")
	viper.SetDefault("PAYOUT_DISPATCH_JOB_SCHEDULE", "@every 1m")
	viper.SetDefault("CLEARANCE_JOB_SCHEDULE", "@every 10m")
	viper.SetDefault("OUTBOX_DISPATCHER_ENABLED", true)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("GATEWAY_EVENTS_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_EVENT_QUEUE")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("ADMIN_ROLE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SECRET", "WEBHOOK_SECRET", "PAYMENT_GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAYMENT_GATEWAY_BASE_URL")
	_ = viper.BindEnv("PAYMENT_GATEWAY_API_KEY")
	_ = viper.BindEnv("CONTRACT_SERVICE_URL")
	_ = viper.BindEnv("CONTRACT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PLATFORM_FEE_RATE")
	_ = viper.BindEnv("PROCESSING_FEE_RATE")
	_ = viper.BindEnv("PROCESSING_FEE_FIXED")
	_ = viper.BindEnv("MINIMUM_PAYMENT")
	_ = viper.BindEnv("MINIMUM_WITHDRAWAL")
	_ = viper.BindEnv("AUTO_RELEASE_DAYS")
	_ = viper.BindEnv("MAX_DISPUTE_DAYS")
	_ = viper.BindEnv("EARNINGS_CLEARING_HOURS")
	_ = viper.BindEnv("WITHDRAWAL_RATE_LIMIT_PER_HOUR")
	_ = viper.BindEnv("WITHDRAWAL_VOLUME_LIMIT_PER_HOUR")
	_ = viper.BindEnv("PAYOUT_DISPATCH_IMMEDIATE")
	_ = viper.BindEnv("PAYOUT_CONFIRMATION_MINUTES")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_HOURS")
	_ = viper.BindEnv("SCHEDULER_ENABLED")
	_ = viper.BindEnv("AUTO_RELEASE_JOB_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_DISPATCH_JOB_SCHEDULE")
	_ = viper.BindEnv("CLEARANCE_JOB_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_DISPATCHER_ENABLED")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != "postgres" && config.StoreDriver != "memory" {
		log.Printf("level=warn component=config msg=\"unknown store driver; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = "postgres"
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "escrow"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.ContractServiceAPIKey = strings.TrimSpace(config.ContractServiceAPIKey)
	if config.ContractServiceAPIKey == "" {
		config.ContractServiceAPIKey = config.InternalAPIKey
	}
	config.AdminRole = strings.TrimSpace(config.AdminRole)
	if config.AdminRole == "" {
		config.AdminRole = "admin"
	}

	config.PlatformFeeRate = normalizeRate("PLATFORM_FEE_RATE", config.PlatformFeeRate, defaultPlatformFeeRate)
	config.ProcessingFeeRate = normalizeRate("PROCESSING_FEE_RATE", config.ProcessingFeeRate, defaultProcessingFeeRate)
	config.ProcessingFeeFixed = normalizeAmount("PROCESSING_FEE_FIXED", config.ProcessingFeeFixed, defaultProcessingFeeFixed)
	config.MinimumPayment = normalizeAmount("MINIMUM_PAYMENT", config.MinimumPayment, defaultMinimumPayment)
	config.MinimumWithdrawal = normalizeAmount("MINIMUM_WITHDRAWAL", config.MinimumWithdrawal, defaultMinimumWithdrawal)

	if config.AutoReleaseDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive auto release days; using default\" value=%d", config.AutoReleaseDays)
		config.AutoReleaseDays = defaultAutoReleaseDays
	}
	if config.MaxDisputeDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive max dispute days; using default\" value=%d", config.MaxDisputeDays)
		config.MaxDisputeDays = defaultMaxDisputeDays
	}
	if config.EarningsClearingHours < 0 {
		config.EarningsClearingHours = 0
	}
	if config.WithdrawalRateLimit < 0 {
		config.WithdrawalRateLimit = 0
	}
	config.WithdrawalVolumeLimit = normalizeAmount("WITHDRAWAL_VOLUME_LIMIT_PER_HOUR", config.WithdrawalVolumeLimit, "0")
	if config.PayoutConfirmationMins <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive payout confirmation window; using default\" value=%d", config.PayoutConfirmationMins)
		config.PayoutConfirmationMins = defaultPayoutConfirmationMins
	}
	if config.IdempotencyTTLHours <= 0 {
		config.IdempotencyTTLHours = 24
	}

	return
}

// normalizeRate accepts a fraction in [0,1]. Values between 1 and 100 are
// read as percentages; anything else falls back to the default.
func normalizeRate(key, raw, fallback string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%")))
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid fee rate; using default\" key=%s value=%q err=%v", key, raw, err)
		return fallback
	}
	hundred := decimal.NewFromInt(100)
	switch {
	case value.IsNegative():
		log.Printf("level=warn component=config msg=\"negative fee rate configured; coercing to zero\" key=%s value=%s", key, value)
		return "0"
	case value.GreaterThan(decimal.NewFromInt(1)) && value.LessThanOrEqual(hundred):
		log.Printf("level=warn component=config msg=\"fee rate looks like a percentage; converting\" key=%s value=%s", key, value)
		return value.Div(hundred).String()
	case value.GreaterThan(hundred):
		log.Printf("level=warn component=config msg=\"fee rate too high; using default\" key=%s value=%s", key, value)
		return fallback
	}
	return value.String()
}

func normalizeAmount(key, raw, fallback string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid amount; using default\" key=%s value=%q err=%v", key, raw, err)
		return fallback
	}
	if value.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative amount configured; coercing to zero\" key=%s value=%s", key, value)
		return "0"
	}
	return value.String()
}

// DefaultFeePolicy is the fee policy seeded into an empty store at boot.
func (c Config) DefaultFeePolicy() domain.FeePolicy {
	return domain.FeePolicy{
		Rates: domain.FeeRates{
			PlatformFeeRate:    decimal.RequireFromString(c.PlatformFeeRate),
			ProcessingFeeRate:  decimal.RequireFromString(c.ProcessingFeeRate),
			ProcessingFeeFixed: decimal.RequireFromString(c.ProcessingFeeFixed),
		},
		MinimumPayment:    decimal.RequireFromString(c.MinimumPayment),
		MinimumWithdrawal: decimal.RequireFromString(c.MinimumWithdrawal),
		AutoReleaseDays:   c.AutoReleaseDays,
		MaxDisputeDays:    c.MaxDisputeDays,
	}
}

// EarningsClearingPeriod is how long released earnings stay in pending.
func (c Config) EarningsClearingPeriod() time.Duration {
	return time.Duration(c.EarningsClearingHours) * time.Hour
}

// WithdrawalVolumeCap is the base currency a user may withdraw per hour.
// Zero means no cap.
func (c Config) WithdrawalVolumeCap() decimal.Decimal {
	return decimal.RequireFromString(c.WithdrawalVolumeLimit)
}

// PayoutConfirmationTimeout is how long a sent payout may stay
// unacknowledged before the dispatch job resends it.
func (c Config) PayoutConfirmationTimeout() time.Duration {
	return time.Duration(c.PayoutConfirmationMins) * time.Minute
}

// IdempotencyTTL is how long Idempotency-Key responses are replayed.
func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

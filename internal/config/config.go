/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the wallet-service.
// These values are loaded from environment variables. All monetary amounts
// are in pesewas and all rates are in basis points.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	PaystackBaseURL       string `mapstructure:"PAYSTACK_BASE_URL"`
	PaystackSecretKey     string `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackWebhookSecret string `mapstructure:"PAYSTACK_WEBHOOK_SECRET"`

	MoolreBaseURL   string `mapstructure:"MOOLRE_BASE_URL"`
	MoolreAPIUser   string `mapstructure:"MOOLRE_API_USER"`
	MoolreAPIKey    string `mapstructure:"MOOLRE_API_KEY"`
	MoolreAccountID string `mapstructure:"MOOLRE_ACCOUNT_ID"`

	ClerkJWKSURL string `mapstructure:"CLERK_JWKS_URL"`

	DepositFeeBps          int64 `mapstructure:"DEPOSIT_FEE_BPS"`
	DepositAmountTolerance int64 `mapstructure:"DEPOSIT_AMOUNT_TOLERANCE"`
	DepositRefreshAfterSec int   `mapstructure:"DEPOSIT_REFRESH_AFTER_SECONDS"`

	WithdrawalFeeBps      int64 `mapstructure:"WITHDRAWAL_FEE_BPS"`
	MinWithdrawalPesewas  int64 `mapstructure:"MIN_WITHDRAWAL_PESEWAS"`
	DispatchIntervalSec   int   `mapstructure:"DISPATCH_INTERVAL_SECONDS"`
	PollIntervalSec       int   `mapstructure:"POLL_INTERVAL_SECONDS"`
	PollTimeoutSec        int   `mapstructure:"POLL_TIMEOUT_SECONDS"`
	StuckThresholdMinutes int   `mapstructure:"STUCK_THRESHOLD_MINUTES"`

	FraudMaxDepositsPerHour int    `mapstructure:"FRAUD_MAX_DEPOSITS_PER_HOUR"`
	FraudLargeAmountPesewas int64  `mapstructure:"FRAUD_LARGE_AMOUNT_PESEWAS"`
	RedisVelocityPrefix     string `mapstructure:"REDIS_VELOCITY_PREFIX"`
	DepositRefreshCronSpec  string `mapstructure:"DEPOSIT_REFRESH_CRON"`
	StuckDetectorCronSpec   string `mapstructure:"STUCK_DETECTOR_CRON"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYSTACK_BASE_URL", "https://api.paystack.co")
	viper.SetDefault("MOOLRE_BASE_URL", "https://api.moolre.com")
	viper.SetDefault("DEPOSIT_FEE_BPS", 200) // 2%
	viper.SetDefault("DEPOSIT_AMOUNT_TOLERANCE", 2)
	viper.SetDefault("DEPOSIT_REFRESH_AFTER_SECONDS", 300)
	viper.SetDefault("WITHDRAWAL_FEE_BPS", 100) // 1%
	viper.SetDefault("MIN_WITHDRAWAL_PESEWAS", 500)
	viper.SetDefault("DISPATCH_INTERVAL_SECONDS", 5)
	viper.SetDefault("POLL_INTERVAL_SECONDS", 15)
	viper.SetDefault("POLL_TIMEOUT_SECONDS", 600)
	viper.SetDefault("STUCK_THRESHOLD_MINUTES", 30)
	viper.SetDefault("FRAUD_MAX_DEPOSITS_PER_HOUR", 10)
	viper.SetDefault("FRAUD_LARGE_AMOUNT_PESEWAS", 500000) // GHS 5,000
	viper.SetDefault("REDIS_VELOCITY_PREFIX", "bundlehub:velocity")
	viper.SetDefault("DEPOSIT_REFRESH_CRON", "@every 2m")
	viper.SetDefault("STUCK_DETECTOR_CRON", "@every 10m")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "WALLET_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYSTACK_BASE_URL")
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY")
	_ = viper.BindEnv("PAYSTACK_WEBHOOK_SECRET")
	_ = viper.BindEnv("MOOLRE_BASE_URL")
	_ = viper.BindEnv("MOOLRE_API_USER")
	_ = viper.BindEnv("MOOLRE_API_KEY")
	_ = viper.BindEnv("MOOLRE_ACCOUNT_ID")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("DEPOSIT_FEE_BPS")
	_ = viper.BindEnv("DEPOSIT_AMOUNT_TOLERANCE")
	_ = viper.BindEnv("DEPOSIT_REFRESH_AFTER_SECONDS")
	_ = viper.BindEnv("WITHDRAWAL_FEE_BPS")
	_ = viper.BindEnv("MIN_WITHDRAWAL_PESEWAS")
	_ = viper.BindEnv("DISPATCH_INTERVAL_SECONDS")
	_ = viper.BindEnv("POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("POLL_TIMEOUT_SECONDS")
	_ = viper.BindEnv("STUCK_THRESHOLD_MINUTES")
	_ = viper.BindEnv("FRAUD_MAX_DEPOSITS_PER_HOUR")
	_ = viper.BindEnv("FRAUD_LARGE_AMOUNT_PESEWAS")
	_ = viper.BindEnv("REDIS_VELOCITY_PREFIX")
	_ = viper.BindEnv("DEPOSIT_REFRESH_CRON")
	_ = viper.BindEnv("STUCK_DETECTOR_CRON")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisVelocityPrefix = strings.TrimSpace(config.RedisVelocityPrefix)
	if config.RedisVelocityPrefix == "" {
		config.RedisVelocityPrefix = "bundlehub:velocity"
	}

	if config.DepositFeeBps < 0 {
		log.Printf("level=warn component=config msg=\"negative deposit fee configured; coercing to zero\" fee_bps=%d", config.DepositFeeBps)
		config.DepositFeeBps = 0
	}
	if config.WithdrawalFeeBps < 0 {
		log.Printf("level=warn component=config msg=\"negative withdrawal fee configured; coercing to zero\" fee_bps=%d", config.WithdrawalFeeBps)
		config.WithdrawalFeeBps = 0
	}
	if config.DepositFeeBps > 10000 {
		log.Printf("level=warn component=config msg=\"deposit fee too high; capping at 100%%\" fee_bps=%d", config.DepositFeeBps)
		config.DepositFeeBps = 10000
	}
	if config.WithdrawalFeeBps > 10000 {
		log.Printf("level=warn component=config msg=\"withdrawal fee too high; capping at 100%%\" fee_bps=%d", config.WithdrawalFeeBps)
		config.WithdrawalFeeBps = 10000
	}
	if config.DepositAmountTolerance < 0 {
		config.DepositAmountTolerance = 0
	}
	if config.MinWithdrawalPesewas <= 0 {
		config.MinWithdrawalPesewas = 500
	}
	if config.DispatchIntervalSec <= 0 {
		config.DispatchIntervalSec = 5
	}
	if config.PollIntervalSec <= 0 {
		config.PollIntervalSec = 15
	}
	if config.PollTimeoutSec <= 0 {
		config.PollTimeoutSec = 600
	}
	if config.StuckThresholdMinutes <= 0 {
		config.StuckThresholdMinutes = 30
	}
	if config.FraudMaxDepositsPerHour <= 0 {
		config.FraudMaxDepositsPerHour = 10
	}
	if config.FraudLargeAmountPesewas <= 0 {
		config.FraudLargeAmountPesewas = 500000
	}
	if config.DepositRefreshAfterSec <= 0 {
		config.DepositRefreshAfterSec = 300
	}

	return
}

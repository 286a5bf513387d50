/**
 * @description
 * This package handles the configuration management for the reward-service. It uses
 * Viper to read an optional `.env` file and the process environment into `Config`,
 * then normalises the values so the rest of the service can use them without re-checking.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerKafka    = "kafka"
	BrokerNone     = "none"
)

// Config holds all the configuration variables for the reward-service.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	EventBroker                   string `mapstructure:"EVENT_BROKER"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	KafkaBrokers                  string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic                    string `mapstructure:"KAFKA_TOPIC"`
	EventsExchange                string `mapstructure:"EVENTS_EXCHANGE"`
	InboundEventsExchange         string `mapstructure:"INBOUND_EVENTS_EXCHANGE"`
	SaleEventQueue                string `mapstructure:"SALE_EVENT_QUEUE"`
	PayoutEventQueue              string `mapstructure:"PAYOUT_EVENT_QUEUE"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	WithdrawalRateLimitPerMinute  int    `mapstructure:"WITHDRAWAL_RATE_LIMIT_PER_MINUTE"`
	ClerkJWKSURL                  string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	CharityAccountID              string `mapstructure:"CHARITY_ACCOUNT_ID"`
	MinimumWithdrawalCents        int64  `mapstructure:"MINIMUM_WITHDRAWAL_CENTS"`
	PayoutTimeoutMinutes          int    `mapstructure:"PAYOUT_TIMEOUT_MINUTES"`
	DistributionMaxAttempts       int    `mapstructure:"DISTRIBUTION_MAX_ATTEMPTS"`
	DistributionBaseBackoffMS     int    `mapstructure:"DISTRIBUTION_BASE_BACKOFF_MS"`
	PayoutSweepSchedule           string `mapstructure:"PAYOUT_SWEEP_SCHEDULE"`
	DistributionReconcileSchedule string `mapstructure:"DISTRIBUTION_RECONCILE_SCHEDULE"`
	PayoutDispatchSchedule        string `mapstructure:"PAYOUT_DISPATCH_SCHEDULE"`
	PayoutAPIBaseURL              string `mapstructure:"PAYOUT_API_BASE_URL"`
	PayoutAPIKey                  string `mapstructure:"PAYOUT_API_KEY"`
}

// PayoutTimeout is the window a withdrawal may wait for a payout confirmation.
func (c Config) PayoutTimeout() time.Duration {
	return time.Duration(c.PayoutTimeoutMinutes) * time.Minute
}

// DistributionBaseBackoff is the first retry delay for a failed distribution.
func (c Config) DistributionBaseBackoff() time.Duration {
	return time.Duration(c.DistributionBaseBackoffMS) * time.Millisecond
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// LoadConfig reads configuration from the optional .env file in path and the environment.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENT_BROKER", BrokerRabbitMQ)
	viper.SetDefault("KAFKA_TOPIC", "reward.events")
	viper.SetDefault("EVENTS_EXCHANGE", "reward.events")
	viper.SetDefault("INBOUND_EVENTS_EXCHANGE", "bacon.events")
	viper.SetDefault("SALE_EVENT_QUEUE", "reward_service.sale_completed")
	viper.SetDefault("PAYOUT_EVENT_QUEUE", "reward_service.payout_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "reward:rate_limit")
	viper.SetDefault("WITHDRAWAL_RATE_LIMIT_PER_MINUTE", 5)
	viper.SetDefault("CHARITY_ACCOUNT_ID", "charity")
	viper.SetDefault("MINIMUM_WITHDRAWAL_CENTS", 1000)
	viper.SetDefault("PAYOUT_TIMEOUT_MINUTES", 30)
	viper.SetDefault("DISTRIBUTION_MAX_ATTEMPTS", 4)
	viper.SetDefault("DISTRIBUTION_BASE_BACKOFF_MS", 100)
	viper.SetDefault("PAYOUT_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("DISTRIBUTION_RECONCILE_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("PAYOUT_DISPATCH_SCHEDULE", "* * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("EVENT_BROKER")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("KAFKA_BROKERS")
	_ = viper.BindEnv("KAFKA_TOPIC")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("INBOUND_EVENTS_EXCHANGE")
	_ = viper.BindEnv("SALE_EVENT_QUEUE")
	_ = viper.BindEnv("PAYOUT_EVENT_QUEUE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REWARD_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("WITHDRAWAL_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REWARD_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CHARITY_ACCOUNT_ID")
	_ = viper.BindEnv("MINIMUM_WITHDRAWAL_CENTS")
	_ = viper.BindEnv("MINIMUM_WITHDRAWAL")
	_ = viper.BindEnv("PAYOUT_TIMEOUT_MINUTES")
	_ = viper.BindEnv("DISTRIBUTION_MAX_ATTEMPTS")
	_ = viper.BindEnv("DISTRIBUTION_BASE_BACKOFF_MS")
	_ = viper.BindEnv("PAYOUT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("DISTRIBUTION_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_DISPATCH_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_API_BASE_URL")
	_ = viper.BindEnv("PAYOUT_API_KEY")

	// A missing .env file is fine; the environment alone is enough.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = os.Getenv("REWARD_SERVICE_INTERNAL_API_KEY")
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.PayoutAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(config.PayoutAPIBaseURL), "/")
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "reward:rate_limit"
	}
	config.CharityAccountID = strings.TrimSpace(config.CharityAccountID)
	if config.CharityAccountID == "" {
		config.CharityAccountID = "charity"
	}

	// Allow specifying the minimum withdrawal in whole currency units via MINIMUM_WITHDRAWAL.
	if viper.IsSet("MINIMUM_WITHDRAWAL") {
		minStr := strings.TrimSpace(viper.GetString("MINIMUM_WITHDRAWAL"))
		if minStr != "" {
			minValue, parseErr := strconv.ParseFloat(minStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MINIMUM_WITHDRAWAL\" value=%q err=%v", minStr, parseErr)
			} else {
				config.MinimumWithdrawalCents = int64(math.Round(minValue * 100))
			}
		}
	}
	if config.MinimumWithdrawalCents <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive minimum withdrawal configured; using default\" minimum_cents=%d", config.MinimumWithdrawalCents)
		config.MinimumWithdrawalCents = 1000
	}

	if config.WithdrawalRateLimitPerMinute < 0 {
		config.WithdrawalRateLimitPerMinute = 0
	}
	if config.PayoutTimeoutMinutes <= 0 {
		config.PayoutTimeoutMinutes = 30
	}
	if config.DistributionMaxAttempts <= 0 {
		config.DistributionMaxAttempts = 4
	}
	if config.DistributionBaseBackoffMS <= 0 {
		config.DistributionBaseBackoffMS = 100
	}

	config.EventBroker = strings.ToLower(strings.TrimSpace(config.EventBroker))
	switch config.EventBroker {
	case "":
		config.EventBroker = BrokerRabbitMQ
	case BrokerRabbitMQ, BrokerNone:
	case BrokerKafka:
		if len(config.KafkaBrokerList()) == 0 {
			return config, fmt.Errorf("EVENT_BROKER=kafka requires KAFKA_BROKERS")
		}
	default:
		return config, fmt.Errorf("unsupported EVENT_BROKER %q (want rabbitmq, kafka or none)", config.EventBroker)
	}

	return config, nil
}

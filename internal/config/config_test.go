package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func setEnvWithCleanup(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	previous, existed := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset %s: %v", key, err)
	}
	t.Cleanup(func() {
		if existed {
			_ = os.Setenv(key, previous)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range []string{"PORT", "SERVER_PORT", "MINIMUM_WITHDRAWAL", "MINIMUM_WITHDRAWAL_CENTS", "EVENT_BROKER", "KAFKA_BROKERS", "INTERNAL_API_KEY", "REWARD_SERVICE_INTERNAL_API_KEY", "PAYOUT_TIMEOUT_MINUTES"} {
		unsetEnvWithCleanup(t, key)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.MinimumWithdrawalCents != 1000 {
		t.Fatalf("expected default minimum withdrawal 1000, got %d", cfg.MinimumWithdrawalCents)
	}
	if cfg.EventBroker != BrokerRabbitMQ {
		t.Fatalf("expected rabbitmq broker by default, got %q", cfg.EventBroker)
	}
	if cfg.PayoutTimeout() != 30*time.Minute {
		t.Fatalf("expected 30m payout timeout, got %s", cfg.PayoutTimeout())
	}
	if cfg.CharityAccountID != "charity" {
		t.Fatalf("expected charity account id, got %q", cfg.CharityAccountID)
	}
}

func TestLoadConfig_PortAliasOverridesServerPort(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_MinimumWithdrawalWholeUnits(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "MINIMUM_WITHDRAWAL", "25.50")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MinimumWithdrawalCents != 2550 {
		t.Fatalf("expected 2550 cents, got %d", cfg.MinimumWithdrawalCents)
	}
}

func TestLoadConfig_CoercesInvalidNumbers(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "MINIMUM_WITHDRAWAL_CENTS", "-5")
	setEnvWithCleanup(t, "PAYOUT_TIMEOUT_MINUTES", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MinimumWithdrawalCents != 1000 {
		t.Fatalf("expected minimum withdrawal coerced to 1000, got %d", cfg.MinimumWithdrawalCents)
	}
	if cfg.PayoutTimeoutMinutes != 30 {
		t.Fatalf("expected payout timeout coerced to 30, got %d", cfg.PayoutTimeoutMinutes)
	}
}

func TestLoadConfig_FallsBackToServiceInternalAPIKey(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "REWARD_SERVICE_INTERNAL_API_KEY", "  service-key ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "service-key" {
		t.Fatalf("expected service internal key fallback, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_KafkaRequiresBrokers(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "EVENT_BROKER", "Kafka")

	_, err := LoadConfig(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "KAFKA_BROKERS") {
		t.Fatalf("expected missing brokers error, got %v", err)
	}

	viper.Reset()
	setEnvWithCleanup(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got := cfg.KafkaBrokerList(); len(got) != 2 || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected broker list %v", got)
	}
}

func TestLoadConfig_RejectsUnknownBroker(t *testing.T) {
	resetViper(t)
	setEnvWithCleanup(t, "EVENT_BROKER", "nats")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected unsupported broker error")
	}
}

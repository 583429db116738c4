package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NumWorkers  int

	// NostrPrivateKey signs outbound notification events (hex).
	NostrPrivateKey string
	// WriteRelays receive the credit-balance and subscriptions-state
	// notification events.
	WriteRelays []string

	// WebhookRateLimit caps deliveries per second per webhook host.
	// Zero disables the limiter.
	WebhookRateLimit int

	// LNURLCallbackURL is the payment provider endpoint used to turn a
	// zap request into an invoice when users buy credits.
	LNURLCallbackURL string

	// ZapProviderPubkey is the pubkey that signs zap receipts for credit
	// purchases. Empty disables receipt settlement.
	ZapProviderPubkey string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		NumWorkers:        getEnvInt("NUM_WORKERS", 50),
		NostrPrivateKey:   getEnv("NOSTR_PRIVATE_KEY", ""),
		WebhookRateLimit:  getEnvInt("WEBHOOK_RATE_LIMIT", 0),
		LNURLCallbackURL:  getEnv("LNURL_CALLBACK_URL", ""),
		ZapProviderPubkey: getEnv("ZAP_PROVIDER_PUBKEY", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.NostrPrivateKey == "" {
		return nil, fmt.Errorf("NOSTR_PRIVATE_KEY is required")
	}

	for _, relay := range strings.Split(getEnv("NOSTR_WRITE_RELAYS", ""), ",") {
		relay = strings.TrimSpace(relay)
		if relay != "" {
			cfg.WriteRelays = append(cfg.WriteRelays, relay)
		}
	}
	if len(cfg.WriteRelays) == 0 {
		return nil, fmt.Errorf("NOSTR_WRITE_RELAYS is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

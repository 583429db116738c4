package config

import "testing"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/hostr")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("NOSTR_PRIVATE_KEY", "abc123")
	t.Setenv("NOSTR_WRITE_RELAYS", "wss://relay.one/, wss://relay.two/")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.NumWorkers != 50 {
		t.Errorf("NumWorkers = %d, want 50", cfg.NumWorkers)
	}
	if cfg.WebhookRateLimit != 0 {
		t.Errorf("WebhookRateLimit = %d, want 0 (disabled)", cfg.WebhookRateLimit)
	}
	if len(cfg.WriteRelays) != 2 || cfg.WriteRelays[0] != "wss://relay.one/" {
		t.Errorf("WriteRelays = %v, want two trimmed entries", cfg.WriteRelays)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "NOSTR_PRIVATE_KEY", "NOSTR_WRITE_RELAYS"} {
		t.Run(key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(key, "")

			if _, err := Load(); err == nil {
				t.Errorf("expected error when %s is missing", key)
			}
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9999")
	t.Setenv("NUM_WORKERS", "8")
	t.Setenv("WEBHOOK_RATE_LIMIT", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "9999" {
		t.Errorf("Port = %q, want 9999", cfg.Port)
	}
	if cfg.NumWorkers != 8 {
		t.Errorf("NumWorkers = %d, want 8", cfg.NumWorkers)
	}
	if cfg.WebhookRateLimit != 25 {
		t.Errorf("WebhookRateLimit = %d, want 25", cfg.WebhookRateLimit)
	}
}

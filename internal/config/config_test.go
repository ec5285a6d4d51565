package config

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("WEBHOOK_TIMEOUT", "3s")
	t.Setenv("SETTLEMENT_BROADCAST_TIMEOUT", "90s")
	t.Setenv("WEBHOOK_ACCEPTED_TAGS", " user-wallets , ,ops ")
	t.Setenv("CHAIN_ID", "0xAA36A7")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Webhook.Timeout != 3*time.Second {
		t.Errorf("Webhook.Timeout = %v, want %v", cfg.Webhook.Timeout, 3*time.Second)
	}
	if cfg.Settlement.BroadcastTimeout != 90*time.Second {
		t.Errorf("Settlement.BroadcastTimeout = %v, want %v", cfg.Settlement.BroadcastTimeout, 90*time.Second)
	}
	if len(cfg.Webhook.AcceptedTags) != 2 || cfg.Webhook.AcceptedTags[1] != "ops" {
		t.Errorf("Webhook.AcceptedTags = %v, want [user-wallets ops]", cfg.Webhook.AcceptedTags)
	}
	if cfg.Chain.ChainID != "0xaa36a7" {
		t.Errorf("Chain.ChainID = %v, want lowercase 0xaa36a7", cfg.Chain.ChainID)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Settlement.ConversionRate != "3000" {
		t.Errorf("ConversionRate = %v, want 3000", cfg.Settlement.ConversionRate)
	}
	if cfg.Settlement.MethodSignature != "stake()" {
		t.Errorf("MethodSignature = %v, want stake()", cfg.Settlement.MethodSignature)
	}
	if cfg.Chain.TokenDecimals != 6 || cfg.Settlement.AssetDecimals != 18 {
		t.Errorf("decimals = %d/%d, want 6/18", cfg.Chain.TokenDecimals, cfg.Settlement.AssetDecimals)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing secret", func(c *Config) { c.Webhook.Secret = "" }, true},
		{"missing secret but skipped", func(c *Config) { c.Webhook.Secret = ""; c.Webhook.SkipSignature = true }, false},
		{"zero broadcast timeout", func(c *Config) { c.Settlement.BroadcastTimeout = 0 }, true},
		{"lease shorter than broadcast", func(c *Config) { c.Settlement.ClaimLease = 500 * time.Millisecond }, true},
		{"lease equal to broadcast and completion", func(c *Config) { c.Settlement.ClaimLease = 2 * time.Second }, true},
		{"long lease", func(c *Config) { c.Settlement.ClaimLease = 5 * time.Minute }, false},
		{"auto settle without workers", func(c *Config) { c.Settlement.Workers = 0 }, true},
		{"no workers needed when disabled", func(c *Config) { c.Settlement.Workers = 0; c.Settlement.AutoSettle = false }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Webhook:    WebhookConfig{Secret: "s", Timeout: time.Second},
				Chain:      ChainConfig{TokenContract: "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238"},
				Settlement: SettlementConfig{BroadcastTimeout: time.Second, ClaimLease: 3 * time.Second, AutoSettle: true, Workers: 1, QueueSize: 1},
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("TEST_LIST", "a,,b")
	got := getEnvAsList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("getEnvAsList = %v, want [a b]", got)
	}
	if got := getEnvAsList("NONEXISTENT_LIST", []string{"x"}); len(got) != 1 {
		t.Errorf("getEnvAsList default = %v", got)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadClient_Defaults(t *testing.T) {
	t.Setenv("SNAPFOLDER_STORAGE", "")
	t.Setenv("SNAPFOLDER_SETTLE_DELAY", "")

	cfg := LoadClient()
	if cfg.StorageBackend != BackendGateway {
		t.Errorf("StorageBackend = %q, want gateway", cfg.StorageBackend)
	}
	if cfg.StaleAfter != 5*time.Minute {
		t.Errorf("StaleAfter = %v, want 5m", cfg.StaleAfter)
	}
	if cfg.SettleDelay != 1500*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 1.5s", cfg.SettleDelay)
	}
	if cfg.StreamAbove != 5*1024*1024 {
		t.Errorf("StreamAbove = %d, want 5MB", cfg.StreamAbove)
	}
	if !cfg.S3PathStyle {
		t.Error("S3PathStyle should default to true")
	}
}

func TestLoadClient_Overrides(t *testing.T) {
	t.Setenv("SNAPFOLDER_STORAGE", "memory")
	t.Setenv("SNAPFOLDER_SETTLE_DELAY", "0s")
	t.Setenv("SNAPFOLDER_STREAM_ABOVE", "not-a-number")

	cfg := LoadClient()
	if cfg.StorageBackend != BackendMemory {
		t.Errorf("StorageBackend = %q, want memory", cfg.StorageBackend)
	}
	if cfg.SettleDelay != 0 {
		t.Errorf("SettleDelay = %v, want 0", cfg.SettleDelay)
	}
	if cfg.StreamAbove != 5*1024*1024 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.StreamAbove)
	}
}

func TestClientValidate(t *testing.T) {
	cfg := &Client{StorageBackend: "ftp"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}

	cfg = &Client{StorageBackend: BackendMemory, RelayURL: "http://relay"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for relay without owner")
	}

	cfg.OwnerID = "alice"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadRelay_RequiresSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadRelay(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/snapfolder")
	if _, err := LoadRelay(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TOKEN_TTL", "2h")
	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.TokenTTL != 2*time.Hour {
		t.Errorf("TokenTTL = %v, want 2h", cfg.TokenTTL)
	}
}

func TestLoadIssuer(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadIssuer(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TOKEN_TTL", "")
	cfg, err := LoadIssuer()
	if err != nil {
		t.Fatalf("LoadIssuer: %v", err)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %v, want 24h", cfg.TokenTTL)
	}
}

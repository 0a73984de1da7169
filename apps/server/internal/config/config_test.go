package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"ADDR", "DEBUG", "STORE_MODE", "INTERPRET_TIMEOUT", "LEDGER_RECENT_LIMIT", "CATALOG_PATH"} {
		t.Setenv(key, "")
	}
	cfg := FromEnv()
	if cfg.Addr != defaultAddr || cfg.Debug || cfg.StoreMode != StoreModeMemory {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.InterpretTimeout != defaultInterpretTTL || cfg.LedgerRecentLimit != defaultRecentLimit {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9090")
	t.Setenv("DEBUG", "true")
	t.Setenv("STORE_MODE", "Local")
	t.Setenv("INTERPRET_TIMEOUT", "3s")
	t.Setenv("PLAN_TIMEOUT", "12")
	t.Setenv("SESSION_IDLE_TTL", "garbage")
	t.Setenv("LEDGER_RECENT_LIMIT", "-4")

	cfg := FromEnv()
	if cfg.Addr != ":9090" || !cfg.Debug {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.StoreMode != StoreModeSQLite {
		t.Fatalf("store mode=%s", cfg.StoreMode)
	}
	if cfg.InterpretTimeout != 3*time.Second || cfg.PlanTimeout != 12*time.Second {
		t.Fatalf("timeouts=%v %v", cfg.InterpretTimeout, cfg.PlanTimeout)
	}
	if cfg.SessionIdleTTL != defaultIdleTTL || cfg.LedgerRecentLimit != defaultRecentLimit {
		t.Fatalf("bad values should fall back: %+v", cfg)
	}
}

func TestStoreModeFromEnv_PassesUnknownThrough(t *testing.T) {
	t.Setenv("STORE_MODE", "redis")
	if got := FromEnv().StoreMode; got != "redis" {
		t.Fatalf("mode=%s", got)
	}
}

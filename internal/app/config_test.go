package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("missing secret must fail startup")
	}

	t.Setenv("PARLEY_JWT_SECRET", "tooshort")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("short secret must fail startup")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("PARLEY_HTTP_ADDR", "")
	t.Setenv("PARLEY_DB_SCHEMA", "")
	t.Setenv("PARLEY_GATE_CACHE_TTL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.DBSchema != "parley" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
	if cfg.GateCacheTTL != 30*time.Second {
		t.Fatalf("GateCacheTTL=%v", cfg.GateCacheTTL)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel=%q", cfg.LogLevel)
	}
	if !cfg.WSOriginRequired {
		t.Fatalf("WSOriginRequired=false, origin policy must default strict")
	}
	if len(cfg.WSAllowedOrigins) != 2 || cfg.WSAllowedOrigins[0] != "http://localhost" {
		t.Fatalf("WSAllowedOrigins=%v", cfg.WSAllowedOrigins)
	}
	if cfg.WSSendQueue != 256 || cfg.WSRateEvents != 120 {
		t.Fatalf("WS tuning defaults: queue=%d rate=%d", cfg.WSSendQueue, cfg.WSRateEvents)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("PARLEY_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("PARLEY_JWT_ISSUER", "identity.example.com")
	t.Setenv("PARLEY_GATE_CACHE_TTL", "5s")
	t.Setenv("PARLEY_READINESS_REQUIRE_DB", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.JWTIssuer != "identity.example.com" {
		t.Fatalf("JWTIssuer=%q", cfg.JWTIssuer)
	}
	if cfg.GateCacheTTL != 5*time.Second {
		t.Fatalf("GateCacheTTL=%v", cfg.GateCacheTTL)
	}
	if !cfg.ReadinessRequireDB {
		t.Fatalf("ReadinessRequireDB=false")
	}
}

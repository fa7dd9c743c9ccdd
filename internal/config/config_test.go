package config

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TAIGA_USERNAME", "")
	t.Setenv("TAIGA_PASSWORD", "")
	t.Setenv("TRANSPORT", " SSE ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport != TransportSSE {
		t.Fatalf("expected transport to be normalized, got %q", cfg.Transport)
	}
	if cfg.SessionExpiry() != 8*time.Hour || cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: expiry=%s timeout=%s", cfg.SessionExpiry(), cfg.RequestTimeout)
	}
	if cfg.MaxConnections != 10 || cfg.MaxKeepaliveConnections != 5 || cfg.RateLimitRequests != 100 {
		t.Fatalf("unexpected pool defaults: %+v", cfg)
	}
	if !cfg.RetryNonIdempotent {
		t.Fatalf("retry of non-idempotent requests should default to true")
	}
	if _, ok := cfg.Vault().AutoCredentials(); ok {
		t.Fatalf("vault should not offer credentials when none are configured")
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"":           "<empty>",
		"abc":        "***",
		"password":   "pa****rd",
		"ñandú":      "ña*dú",
		"contraseña": "co******ña",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", key, value)
			}
		})
	}
}

func TestVaultRedaction(t *testing.T) {
	v := NewVault("alice", "correct-horse", "https://taiga.example")
	creds, ok := v.AutoCredentials()
	if !ok || creds.Password != "correct-horse" {
		t.Fatalf("expected credentials to be available")
	}

	msg := v.Redact("login for alice failed with password correct-horse")
	if strings.Contains(msg, "correct-horse") || strings.Contains(msg, "alice") {
		t.Fatalf("secrets leaked: %q", msg)
	}
	if got := fmt.Sprintf("%v %+v %#v", creds, creds, creds); strings.Contains(got, "correct-horse") {
		t.Fatalf("credentials formatting leaked the password: %q", got)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("auto auth", zap.Object("credentials", creds))
	for _, entry := range logs.All() {
		if strings.Contains(fmt.Sprint(entry.ContextMap()), "correct-horse") {
			t.Fatalf("log leaked the password: %v", entry.ContextMap())
		}
	}

	var nilVault *Vault
	if nilVault.Redact("x") != "x" || nilVault.Host() != "" {
		t.Fatalf("nil vault must be usable")
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":           "<empty>",
		"abc":        "***",
		"password":   "pa****rd",
		"ñandú":      "ña*dú",
		"contraseña": "co******ña",
	}
	for in, want := range cases {
		got := Mask(in)
		if got != want {
			t.Fatalf("Mask(%q) = %q, want %q", in, got, want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("Mask(%q) produced invalid UTF-8: %q", in, got)
		}
	}
	if got := RedactValues("abcdef abc", "abc", "abcdef"); strings.Contains(got, "abcdef") {
		t.Fatalf("longer secrets must be replaced first: %q", got)
	}
}

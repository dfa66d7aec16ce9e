package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_USER", "bot@example.com")
	t.Setenv("SMTP_PASS", "secret")
	t.Setenv("SMTP_PORT", "")
	t.Setenv("SMTP_FROM", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("ADMIN_USER_ID", "")
	t.Setenv("WHITELISTED_USERS", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath != "./data/bindery.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.SMTPPort != 587 {
		t.Errorf("SMTPPort = %d", cfg.SMTPPort)
	}
	// From falls back to the SMTP user.
	if cfg.SMTPFrom != "bot@example.com" {
		t.Errorf("SMTPFrom = %q", cfg.SMTPFrom)
	}
}

func TestLoadMissingToken(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "TELEGRAM_BOT_TOKEN") {
		t.Fatalf("Load = %v, want token error", err)
	}
}

func TestLoadMissingSMTPHost(t *testing.T) {
	setRequired(t)
	t.Setenv("SMTP_HOST", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SMTP_HOST") {
		t.Fatalf("Load = %v, want SMTP_HOST error", err)
	}
}

func TestLoadWhitelist(t *testing.T) {
	setRequired(t)
	t.Setenv("ADMIN_USER_ID", "42")
	t.Setenv("WHITELISTED_USERS", "100, 200 ,300")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminUserID != 42 {
		t.Errorf("AdminUserID = %d", cfg.AdminUserID)
	}
	if diff := cmp.Diff([]int64{100, 200, 300}, cfg.WhitelistedUsers); diff != "" {
		t.Errorf("WhitelistedUsers mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadBadWhitelist(t *testing.T) {
	setRequired(t)
	t.Setenv("WHITELISTED_USERS", "100,bogus")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric user ID")
	}
}

func TestLoadBadPort(t *testing.T) {
	setRequired(t)
	t.Setenv("SMTP_PORT", "not-a-port")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid SMTP_PORT")
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromTaskbridgeHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "tb")
	writeConfig(t, home, "bind_addr: 127.0.0.1:9999\nreconcile:\n  debounce_ms: 250\n  stale_after_seconds: 45\n")
	t.Setenv("TASKBRIDGE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("expected bind_addr override, got %q", cfg.BindAddr)
	}
	if cfg.Reconcile.Debounce() != 250*time.Millisecond {
		t.Fatalf("expected 250ms debounce, got %s", cfg.Reconcile.Debounce())
	}
	if cfg.Reconcile.StaleAfter() != 45*time.Second {
		t.Fatalf("expected 45s staleness, got %s", cfg.Reconcile.StaleAfter())
	}
	if cfg.Reconcile.NavPoll() != time.Second {
		t.Fatalf("expected default nav poll 1s, got %s", cfg.Reconcile.NavPoll())
	}
	if cfg.NeedsGenesis {
		t.Fatal("did not expect NeedsGenesis with config present")
	}
}

func TestLoad_DefaultHomeUnderUserHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKBRIDGE_HOME", "")
	t.Setenv("HOME", home)

	if got := config.HomeDir(); got != filepath.Join(home, ".taskbridge") {
		t.Fatalf("unexpected home dir %q", got)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "tb")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=true")
	}
	if cfg.BindAddr != config.DefaultBindAddr {
		t.Fatalf("expected default bind addr, got %q", cfg.BindAddr)
	}
	if cfg.ClickUp.BaseURL != config.DefaultClickUpBaseURL {
		t.Fatalf("expected default base url, got %q", cfg.ClickUp.BaseURL)
	}
	if cfg.Reconcile.FallbackRescan != config.DefaultFallbackRescan {
		t.Fatalf("expected default rescan spec, got %q", cfg.Reconcile.FallbackRescan)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "auth_token: from-file\n")
	t.Setenv("TASKBRIDGE_AUTH_TOKEN", "from-env")
	t.Setenv("CLICKUP_API_TOKEN", "pk_1_ABC")
	t.Setenv("TASKBRIDGE_DEBOUNCE_MS", "75")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthToken != "from-env" {
		t.Fatalf("expected env auth token, got %q", cfg.AuthToken)
	}
	if cfg.ClickUp.APIToken != "pk_1_ABC" {
		t.Fatalf("expected env api token, got %q", cfg.ClickUp.APIToken)
	}
	if cfg.Reconcile.DebounceMS != 75 {
		t.Fatalf("expected debounce 75, got %d", cfg.Reconcile.DebounceMS)
	}
}

func TestLoad_NormalizesInvalidTunables(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "clickup:\n  base_url: \"https://example.test/api/v2/\"\nreconcile:\n  debounce_ms: -5\n  nav_poll_ms: 0\n  fallback_rescan: \"  \"\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ClickUp.BaseURL != "https://example.test/api/v2" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ClickUp.BaseURL)
	}
	if cfg.Reconcile.DebounceMS != 100 || cfg.Reconcile.NavPollMS != 1000 {
		t.Fatalf("expected defaults restored, got %+v", cfg.Reconcile)
	}
	if cfg.Reconcile.FallbackRescan != config.DefaultFallbackRescan {
		t.Fatalf("expected default rescan, got %q", cfg.Reconcile.FallbackRescan)
	}
}

func TestLoad_RetentionWindows(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "retention:\n  link_event_days: 7\n  audit_log_days: -1\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention.LinkEventDays != 7 {
		t.Fatalf("link_event_days = %d", cfg.Retention.LinkEventDays)
	}
	if cfg.Retention.AuditLogDays != 0 {
		t.Fatalf("negative audit window should clamp to 0, got %d", cfg.Retention.AuditLogDays)
	}
	if cfg.Retention.Schedule != config.DefaultRetention {
		t.Fatalf("schedule = %q", cfg.Retention.Schedule)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestRedirectURL(t *testing.T) {
	cfg := config.Config{BindAddr: "127.0.0.1:18790"}
	if got := cfg.RedirectURL(); got != "http://127.0.0.1:18790/oauth/callback" {
		t.Fatalf("unexpected redirect url %q", got)
	}
	cfg.OAuth.RedirectURL = "https://bridge.example/cb"
	if got := cfg.RedirectURL(); got != "https://bridge.example/cb" {
		t.Fatalf("expected override, got %q", got)
	}
}

func TestThreadURL(t *testing.T) {
	cfg := config.Config{}
	if got := cfg.ThreadURL("abc123"); got != "https://mail.google.com/mail/u/0/#inbox/abc123" {
		t.Fatalf("unexpected thread url %q", got)
	}
	cfg.Mail.ThreadURLTemplate = "https://mail.example/t/%s"
	if got := cfg.ThreadURL("abc123"); got != "https://mail.example/t/abc123" {
		t.Fatalf("unexpected thread url %q", got)
	}
}

func TestFingerprint_ChangesWithTunables(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical fingerprints")
	}
	b.Reconcile.StaleAfterSeconds = 90
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint change")
	}
}

func TestSetAuthToken_PreservesOtherKeys(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:7000\n")
	if err := config.SetAuthToken(home, "tok-1"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if err := config.SetAllowOrigins(home, []string{"chrome-extension://*"}); err != nil {
		t.Fatalf("set origins: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthToken != "tok-1" || cfg.BindAddr != "127.0.0.1:7000" {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "chrome-extension://*" {
		t.Fatalf("unexpected origins %v", cfg.AllowOrigins)
	}
}

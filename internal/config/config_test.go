package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseJSONKeepsDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"telegram":{"token":"abc"},"reminder":{"within_days":5,"sweep_on_scan":false}}`)

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Reminder.WithinDays != 5 || cfg.Reminder.SweepOnScan {
		t.Fatalf("reminder = %+v", cfg.Reminder)
	}
	if cfg.Source.CategoryCode != 7141 || cfg.Source.PageSize != 20 {
		t.Fatalf("source defaults lost: %+v", cfg.Source)
	}
	if cfg.Scheduler.Scan != "*/30 * * * *" {
		t.Fatalf("scheduler.scan = %q", cfg.Scheduler.Scan)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
telegram:
  token: "xyz"
  admin_user_ids: [1, 2]
storage:
  path: /tmp/x.db
scheduler:
  scan: "@every 15m"
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "xyz" || len(cfg.Telegram.AdminUserIDs) != 2 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage.Path != "/tmp/x.db" || cfg.Scheduler.Scan != "@every 15m" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseYAMLExpandsEnvAndRejectsDuplicates(t *testing.T) {
	t.Setenv("EVENTBOT_TEST_TOKEN", "from-env")
	p := writeFile(t, "config.yml", `
telegram:
  token: "${EVENTBOT_TEST_TOKEN}"
  operator_chat: -1001234567890
source:
  timeout: 20s
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.OperatorChat != -1001234567890 || cfg.Source.Timeout != "20s" {
		t.Fatalf("cfg = %+v", cfg)
	}

	dup := writeFile(t, "dup.yaml", "storage:\n  path: a.db\n  path: b.db\n")
	if _, err := NewConfigManager(dup).Parse(); err == nil || !strings.Contains(err.Error(), "duplicate key") {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown":  `{"telegram":{"tokn":"x"}}`,
		"trailing": `{"telegram":{"token":"x"}} {}`,
	}
	for name, body := range tests {
		p := writeFile(t, "c.json", body)
		if _, err := NewConfigManager(p).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEmptyPathUsesDefaultsAndOverlay(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	m.SetOverlay(func(c *Config) { c.Telegram.Token = "from-env" })
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("overlay not applied: %q", cfg.Telegram.Token)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.Validate(true)
	if err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("expected token error, got %v", err)
	}
	if err := cfg.Validate(false); err != nil {
		t.Fatalf("Validate(false): %v", err)
	}

	cfg.Telegram.Token = "t"
	cfg.Source.Timeout = "nope"
	cfg.Reminder.WithinDays = -1
	err = cfg.Validate(true)
	if err == nil || !strings.Contains(err.Error(), "source.timeout") || !strings.Contains(err.Error(), "within_days") {
		t.Fatalf("expected joined errors, got %v", err)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	d, err := DurationOr("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	d, err = Duration("x", " 250ms ")
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("parse: %v %v", d, err)
	}
	d, err = Duration("x", "1d12h")
	if err != nil || d != 36*time.Hour {
		t.Fatalf("days: %v %v", d, err)
	}
	d, err = Duration("x", "2d")
	if err != nil || d != 48*time.Hour {
		t.Fatalf("days only: %v %v", d, err)
	}
	for _, bad := range []string{"-1s", "-1d", "xd", "1d2x", "d"} {
		if _, err := Duration("x", bad); err == nil {
			t.Fatalf("%q must be rejected", bad)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Reminder.WithinDays = 7
	b.Telegram.Token = "new"
	b.Logging.Level = "debug"

	changed, attrs := SummarizeConfigChange(a, b)
	want := []string{"logging", "reminder", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeFile(t, "config.json", `{"reminder":{"within_days":3}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"reminder":{"within_days":9}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Reminder.WithinDays != 9 {
			t.Fatalf("within_days = %d", cfg.Reminder.WithinDays)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

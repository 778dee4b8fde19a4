package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleYAML = `
logging:
  level: DEBUG
  console: true
storage:
  driver: sqlite
  path: ./data/checkind.db
  busy_timeout_ms: 5000
scheduler:
  timezone: Europe/Paris
dispatch:
  workers: 2
  queue_size: 64
  rate_per_sec: 10
  send_timeout_ms: 3000
maintenance:
  prune_age_days: 7
  resync_every_min: 60
telegram:
  enabled: false
`

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.Timezone != "Europe/Paris" {
		t.Errorf("timezone = %q", cfg.Scheduler.Timezone)
	}
	if cfg.Dispatch.Workers != 2 || cfg.Dispatch.SendTimeoutMS != 3000 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Maintenance.PruneAgeDays != 7 || cfg.Maintenance.ResyncEveryMin != 60 {
		t.Errorf("maintenance = %+v", cfg.Maintenance)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get returned a different pointer than Load committed")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.json", `{"logging":{"level":"DEBUG","console":true}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.yaml", "logging:\n  level: WARN\n"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "WARN" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Dispatch.Workers != 4 {
		t.Errorf("defaults not applied: storage=%+v dispatch=%+v", cfg.Storage, cfg.Dispatch)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.yaml", "loging:\n  level: INFO\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults ok", func(c *Config) {}, ""},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "driver"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "timezone"},
		{"negative workers", func(c *Config) { c.Dispatch.Workers = -1 }, "negative"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestReloadPublishesAndDedupes(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(2)
	defer m.Unsubscribe(ch)

	// Unchanged content: no publish.
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		t.Fatalf("unchanged reload published %+v", cfg)
	default:
	}

	// Changed content: publish.
	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "workers: 2", "workers: 8", 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Dispatch.Workers != 8 {
			t.Errorf("published workers = %d, want 8", cfg.Dispatch.Workers)
		}
	default:
		t.Fatal("changed reload published nothing")
	}
}

func TestReloadRejectedByValidatorKeepsOldConfig(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return cfg.Validate() })
	old, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}

	bad := strings.Replace(sampleYAML, "timezone: Europe/Paris", "timezone: Mars/Olympus", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get() != old {
		t.Error("rejected config was committed")
	}
}

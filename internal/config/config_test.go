package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.App.ID = "app-1"
	cfg.App.ServerURL = "https://api.example.com"
	cfg.Subscriptions = []SubscriptionConfig{{Class: "Post"}}
	return cfg
}

func TestLoadAndValidate(t *testing.T) {
	yaml := `
app:
  id: "app-1"
  key: "secret"
  server_url: "https://api.example.com"

realtime:
  base_delay: "250ms"
  max_delay: "10s"

subscriptions:
  - class: "Post"
    where:
      likes:
        $gt: 10
    keys: ["title", "likes"]
  - class: "Comment"

nats:
  url: "nats://localhost:4222"
  subject_prefix: "events"

archive:
  enabled: true
  endpoint: "http://localhost:9000"
  bucket: "livequery-archive"
  max_bytes: "4MB"
  max_linger: "1m"

storage:
  path: "/tmp/baas/client.db"
`
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.App.ID != "app-1" || cfg.App.Key != "secret" {
		t.Errorf("unexpected app: %+v", cfg.App)
	}
	if cfg.App.Protocol != "lc.json.3" {
		t.Errorf("default protocol lost: %q", cfg.App.Protocol)
	}
	if cfg.Realtime.BaseDelay.Duration() != 250*time.Millisecond {
		t.Errorf("unexpected base_delay: %v", cfg.Realtime.BaseDelay.Duration())
	}
	if cfg.Realtime.MaxRetries != 10 {
		t.Errorf("default max_retries lost: %d", cfg.Realtime.MaxRetries)
	}
	if len(cfg.Subscriptions) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(cfg.Subscriptions))
	}
	post := cfg.Subscriptions[0]
	if post.Class != "Post" || len(post.Keys) != 2 {
		t.Errorf("unexpected subscription: %+v", post)
	}
	if _, ok := post.Where["likes"].(map[string]any); !ok {
		t.Errorf("where not decoded as a map: %#v", post.Where)
	}
	if cfg.NATS.SubjectPrefix != "events" {
		t.Errorf("unexpected subject prefix: %s", cfg.NATS.SubjectPrefix)
	}
	if int64(cfg.Archive.MaxBytes) != 4*1024*1024 {
		t.Errorf("unexpected max_bytes: %d", cfg.Archive.MaxBytes)
	}
	if cfg.Archive.MaxBatch != 1000 {
		t.Errorf("default max_batch lost: %d", cfg.Archive.MaxBatch)
	}
	if cfg.Storage.Path != "/tmp/baas/client.db" {
		t.Errorf("unexpected storage path: %s", cfg.Storage.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	os.WriteFile(path, []byte("realtime:\n  base_delay: \"soon\"\n"), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing app id", func(c *Config) { c.App.ID = "" }},
		{"missing server url", func(c *Config) { c.App.ServerURL = "" }},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }},
		{"missing subject prefix", func(c *Config) { c.NATS.SubjectPrefix = "" }},
		{"no subscriptions", func(c *Config) { c.Subscriptions = nil }},
		{"empty class", func(c *Config) { c.Subscriptions = []SubscriptionConfig{{}} }},
		{"duplicate class", func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{{Class: "Post"}, {Class: "Post"}}
		}},
		{"negative retries", func(c *Config) { c.Realtime.MaxRetries = -1 }},
		{"zero base delay", func(c *Config) { c.Realtime.BaseDelay = 0 }},
		{"max below base", func(c *Config) { c.Realtime.MaxDelay = Duration(time.Millisecond) }},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }},
		{"archive zero batch", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Bucket = "b"
			c.Archive.MaxBatch = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestParseByteSizes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1KB", 1024},
		{"256MB", 256 * 1024 * 1024},
		{"10GB", 10 * 1024 * 1024 * 1024},
		{"100B", 100},
		{"42", 42},
	}
	for _, tt := range tests {
		result, err := parseByteSize(tt.input)
		if err != nil {
			t.Errorf("parseByteSize(%q) error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}

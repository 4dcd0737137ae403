package loader

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haysel/hayselnut/config"
	"github.com/haysel/hayselnut/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /var/lib/hayselnut/store.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/var/lib/hayselnut/store.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Store.PageCapacity != config.DefaultPageCapacity {
		t.Errorf("page_capacity = %d, want default %d", cfg.Store.PageCapacity, config.DefaultPageCapacity)
	}
	if cfg.IPC.Socket != config.DefaultSocketPath {
		t.Errorf("ipc.socket = %q, want default", cfg.IPC.Socket)
	}
	if cfg.Engine.DrainTimeout.Duration() != config.DefaultDrainTimeout {
		t.Errorf("drain_timeout = %v, want default", cfg.Engine.DrainTimeout.Duration())
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /data/store.db
  page_capacity: 128
  initial_size: 1MB
  index_bucket: 1h
engine:
  submit_queue_size: 100
  drain_timeout: 5s
  sync_interval: 60
ipc:
  socket: /tmp/test.sock
  max_frame_size: 4MB
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.PageCapacity != 128 {
		t.Errorf("page_capacity = %d", cfg.Store.PageCapacity)
	}
	if cfg.Store.InitialSize.Bytes() != 1<<20 {
		t.Errorf("initial_size = %d", cfg.Store.InitialSize.Bytes())
	}
	if cfg.Store.IndexBucket.Duration() != time.Hour {
		t.Errorf("index_bucket = %v", cfg.Store.IndexBucket.Duration())
	}
	if cfg.Engine.SyncInterval.Duration() != 60*time.Second {
		t.Errorf("bare-int sync_interval = %v, want 60s", cfg.Engine.SyncInterval.Duration())
	}
	if cfg.IPC.MaxFrameSize.Bytes() != 4<<20 {
		t.Errorf("max_frame_size = %d", cfg.IPC.MaxFrameSize.Bytes())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("HAYSELNUT_DATA", "/data/env")
	path := writeConfig(t, `
store:
  path: ${HAYSELNUT_DATA}/store.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/data/env/store.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing store path", func(c *Config) { c.Store.Path = "" }},
		{"zero page capacity", func(c *Config) { c.Store.PageCapacity = 0 }},
		{"zero queue", func(c *Config) { c.Engine.SubmitQueueSize = 0 }},
		{"empty socket", func(c *Config) { c.IPC.Socket = "" }},
		{"accuracy out of range", func(c *Config) { c.Summaries.Accuracy = 1.5 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"index without cache", func(c *Config) { c.Store.IndexCacheSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Store.Path = "/data/store.db"
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !errors.IsValidation(err) {
				t.Errorf("Validate = %v, want a validation error", err)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig() // store.path missing
	cfg.Engine.SubmitQueueSize = -1
	cfg.IPC.Socket = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted invalid config")
	}
	var verrs *errors.ValidationErrors
	if !stderrors.As(err, &verrs) {
		t.Fatalf("error type %T", err)
	}
	if len(verrs.Errors) != 3 {
		t.Errorf("collected %d errors, want 3: %v", len(verrs.Errors), verrs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}

func TestByteSizeParsing(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"64KB", 64 << 10},
		{"16MB", 16 << 20},
		{"1GB", 1 << 30},
		{"512B", 512},
		{"1024", 1024},
		{" 2 MB ", 2 << 20},
	}
	for _, tc := range cases {
		got, err := parseByteSize(tc.in)
		if err != nil {
			t.Errorf("parseByteSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if _, err := parseByteSize("lots"); err == nil {
		t.Error("parseByteSize accepted garbage")
	}
}

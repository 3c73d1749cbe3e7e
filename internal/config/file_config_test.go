package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileConfigYAML(t *testing.T) {
	path := writeTempConfig(t, "capq.yaml", `
dsn: postgres://file/capq
queue:
  max_concurrent_tasks: 7
  stuck_threshold: 2h
  sweep_cron: "*/10 * * * *"
worker:
  worker_id: file-worker
  poll_interval: 500ms
notify:
  redis_url: redis://file:6379/1
ops:
  addr: ":9090"
  auth_token: tok
`)

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}

	cfg := &Config{MaxConcurrentTasks: 5, StuckThreshold: time.Hour}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file/capq" {
		t.Fatalf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.MaxConcurrentTasks != 7 {
		t.Fatalf("MaxConcurrentTasks = %d, want 7", cfg.MaxConcurrentTasks)
	}
	if cfg.StuckThreshold != 2*time.Hour {
		t.Fatalf("StuckThreshold = %v, want 2h", cfg.StuckThreshold)
	}
	if cfg.SweepCron != "*/10 * * * *" {
		t.Fatalf("SweepCron = %q", cfg.SweepCron)
	}
	if cfg.WorkerID != "file-worker" {
		t.Fatalf("WorkerID = %q", cfg.WorkerID)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.RedisURL != "redis://file:6379/1" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.HealthAddr != ":9090" || cfg.OpsToken != "tok" {
		t.Fatalf("ops = %q / %q", cfg.HealthAddr, cfg.OpsToken)
	}
}

func TestLoadFileConfigTOML(t *testing.T) {
	path := writeTempConfig(t, "capq.toml", `
dsn = "postgres://toml/capq"

[queue]
default_max_retries = 5

[worker]
exec_timeout = "30m"
`)

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}

	cfg := &Config{}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.DatabaseURL != "postgres://toml/capq" {
		t.Fatalf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.DefaultMaxRetries != 5 {
		t.Fatalf("DefaultMaxRetries = %d, want 5", cfg.DefaultMaxRetries)
	}
	if cfg.ExecTimeout != 30*time.Minute {
		t.Fatalf("ExecTimeout = %v, want 30m", cfg.ExecTimeout)
	}
}

func TestLoadFileConfigBadDuration(t *testing.T) {
	path := writeTempConfig(t, "capq.yaml", `
queue:
  stuck_threshold: soon
`)

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if err := ApplyFileConfig(&Config{}, fileCfg); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestLoadFileConfigUnsupportedExtension(t *testing.T) {
	path := writeTempConfig(t, "capq.json", `{}`)
	if _, err := LoadFileConfig(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestResolveConfigPathFlag(t *testing.T) {
	path, err := ResolveConfigPath([]string{"--config", "custom.yaml"})
	if err != nil {
		t.Fatalf("ResolveConfigPath: %v", err)
	}
	if path != "custom.yaml" {
		t.Fatalf("path = %q", path)
	}

	path, err = ResolveConfigPath([]string{"--config=inline.toml"})
	if err != nil {
		t.Fatalf("ResolveConfigPath: %v", err)
	}
	if path != "inline.toml" {
		t.Fatalf("path = %q", path)
	}

	if _, err := ResolveConfigPath([]string{"--config"}); err == nil {
		t.Fatal("expected error for missing --config value")
	}
}

func TestResolveConfigPathEnv(t *testing.T) {
	t.Setenv("CAPQ_CONFIG", "/etc/capq/capq.yaml")
	path, err := ResolveConfigPath(nil)
	if err != nil {
		t.Fatalf("ResolveConfigPath: %v", err)
	}
	if path != "/etc/capq/capq.yaml" {
		t.Fatalf("path = %q", path)
	}
}

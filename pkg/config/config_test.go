package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nicktill/tinyapm/pkg/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TINYAPM_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("Expected queue capacity %d, got %d", DefaultQueueCapacity, cfg.Pipeline.QueueCapacity)
	}
	if cfg.Storage.Backend != "badger" {
		t.Errorf("Expected badger backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Rules.Instance.CallerErrorRate != 0.1 {
		t.Errorf("Unexpected default rules %+v", cfg.Rules.Instance)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tinyapm.yaml")
	yml := `
server:
  address: ":9090"
pipeline:
  flushInterval: 2s
  queueCapacity: 64
storage:
  backend: memory
rules:
  instance:
    callerErrorRate: 0.5
    callerAverageResponseTime: 300
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("TINYAPM_QUEUE_CAPACITY", "128")
	t.Setenv("TINYAPM_LOG_JSON", "true")
	t.Setenv("TINYAPM_ALLOWED_ORIGINS", "https://ops.example.com,https://apm.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("Expected address from file, got %q", cfg.Server.Address)
	}
	if cfg.Pipeline.FlushInterval != 2*time.Second {
		t.Errorf("Expected 2s flush interval, got %s", cfg.Pipeline.FlushInterval)
	}
	if cfg.Pipeline.QueueCapacity != 128 {
		t.Errorf("Expected env override 128, got %d", cfg.Pipeline.QueueCapacity)
	}
	if !cfg.Logging.JSON {
		t.Error("Expected JSON logging from env")
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://apm.example.com" {
		t.Errorf("Unexpected allowed origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Rules.Instance.CallerErrorRate != 0.5 || cfg.Rules.Instance.CallerAverageResponseTime != 300 {
		t.Errorf("Unexpected instance rules %+v", cfg.Rules.Instance)
	}
	// Fields not in the file keep their defaults.
	if cfg.Rules.Service.CallerErrorRate != 0.1 {
		t.Errorf("Expected default service rules, got %+v", cfg.Rules.Service)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("rules:\n  service:\n    calleeErrorRate: -1\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("Expected validation error for negative threshold")
	}

	t.Setenv("TINYAPM_FLUSH_INTERVAL", "soon")
	if _, err := Load(""); err == nil {
		t.Error("Expected error for invalid duration override")
	}
}

func TestRuleStore_LiveView(t *testing.T) {
	store := NewRuleStore(DefaultRules())
	view := store.Domain(model.ServiceDomain)

	if got := view.CallerErrorRateThreshold(); got != 0.1 {
		t.Fatalf("Expected 0.1, got %v", got)
	}

	rules := store.Rules()
	rules.Service.CallerErrorRate = 0.25
	rules.Service.CalleeAverageResponseTime = 50
	if err := store.Replace(rules); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if got := view.CallerErrorRateThreshold(); got != 0.25 {
		t.Errorf("Expected view to see 0.25, got %v", got)
	}
	if got := view.CalleeAverageResponseTimeThreshold(); got != 50 {
		t.Errorf("Expected view to see 50, got %v", got)
	}
	if got := store.Domain(model.InstanceDomain).CallerErrorRateThreshold(); got != 0.1 {
		t.Errorf("Instance rules should be untouched, got %v", got)
	}

	bad := store.Rules()
	bad.Application.CalleeErrorRate = 1.5
	if err := store.Replace(bad); err == nil {
		t.Error("Expected Replace to reject error rate above 1")
	}
	if got := store.Rules().Application.CalleeErrorRate; got != 0.1 {
		t.Errorf("Rejected rules must not be applied, got %v", got)
	}
}

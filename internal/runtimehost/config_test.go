package runtimehost

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadRuntimeConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "version: 1\n")
	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.WorkerCount != 4 {
		t.Fatalf("want default worker_count 4, got %d", cfg.Scheduler.WorkerCount)
	}
	if cfg.Tick.DefaultBudgetMS != 50 {
		t.Fatalf("want default budget 50ms, got %d", cfg.Tick.DefaultBudgetMS)
	}
	if cfg.Rings.TraceCapacity != 4096 || cfg.Rings.LogCapacity != 4096 {
		t.Fatalf("want default ring capacities 4096, got trace=%d log=%d", cfg.Rings.TraceCapacity, cfg.Rings.LogCapacity)
	}
	if cfg.VLA.RunID != "mbt-run" {
		t.Fatalf("want default run_id, got %q", cfg.VLA.RunID)
	}
}

func TestLoadRuntimeConfigTraceDefaultsOff(t *testing.T) {
	path := writeTempConfig(t, "version: 1\n")
	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Trace.Enabled || cfg.Trace.ReadEnabled {
		t.Fatalf("want trace flags off by default, got %+v", cfg.Trace)
	}
}

func TestLoadRuntimeConfigParsesTraceFlags(t *testing.T) {
	path := writeTempConfig(t, "version: 1\ntrace:\n  enabled: true\n  read_enabled: true\n")
	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Trace.Enabled || !cfg.Trace.ReadEnabled {
		t.Fatalf("want both trace flags on, got %+v", cfg.Trace)
	}
}

func TestLoadRuntimeConfigRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, "version: 1\nbogus_field: true\n")
	if _, err := LoadRuntimeConfig(path); err == nil {
		t.Fatalf("want a decode error for an unknown field")
	}
}

func TestLoadRuntimeConfigRejectsBadVersion(t *testing.T) {
	path := writeTempConfig(t, "version: 2\n")
	_, err := LoadRuntimeConfig(path)
	if err == nil {
		t.Fatalf("want a validation error for an unsupported version")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("want a *ValidationError, got %T", err)
	}
}

func TestLoadRuntimeConfigZeroWorkerCountFallsBackToDefault(t *testing.T) {
	path := writeTempConfig(t, "version: 1\nscheduler:\n  worker_count: 0\n")
	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.WorkerCount != 4 {
		t.Fatalf("zero worker_count should fall back to the default, got %d", cfg.Scheduler.WorkerCount)
	}
}

func TestLoadRuntimeConfigRejectsNegativeWorkerCount(t *testing.T) {
	path := writeTempConfig(t, "version: 1\nscheduler:\n  worker_count: -1\n")
	if _, err := LoadRuntimeConfig(path); err == nil {
		t.Fatalf("want a validation error for a negative worker_count")
	}
}

// Package runtimehost wires a RuntimeConfig into a constructed Runtime: a
// clock, log sink, callback/model registries, scheduler, and VLA service
// bundled into the bttree.Services a tree instance needs (spec.md §1 "The
// core assumes the host supplies ..."), the way the teacher's
// `engine.Run` turns a RunOptions/RunConfigFile into a running Engine.
package runtimehost

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the YAML-decodable shape of a host's runtime
// construction parameters (SPEC_FULL.md "AMBIENT STACK" Configuration),
// mirroring engine/config.go's RunConfigFile: strict decode, then
// separate default-filling and validation passes.
type RuntimeConfig struct {
	Version int `json:"version" yaml:"version"`

	Scheduler struct {
		WorkerCount int `json:"worker_count,omitempty" yaml:"worker_count,omitempty"`
	} `json:"scheduler" yaml:"scheduler"`

	Tick struct {
		DefaultBudgetMS int `json:"default_budget_ms,omitempty" yaml:"default_budget_ms,omitempty"`
	} `json:"tick" yaml:"tick"`

	Rings struct {
		TraceCapacity int `json:"trace_capacity,omitempty" yaml:"trace_capacity,omitempty"`
		LogCapacity   int `json:"log_capacity,omitempty" yaml:"log_capacity,omitempty"`
	} `json:"rings" yaml:"rings"`

	Log struct {
		MirrorToStderr bool `json:"mirror_to_stderr,omitempty" yaml:"mirror_to_stderr,omitempty"`
	} `json:"log" yaml:"log"`

	VLA struct {
		RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	} `json:"vla" yaml:"vla"`

	// Trace controls the per-instance trace ring (spec.md §3, §4.3,
	// §4.4). Both flags default false: tracing has a per-event cost
	// (spec.md's ring is sized and retained for the run's lifetime), so a
	// host opts in deliberately rather than paying for it unconditionally.
	Trace struct {
		Enabled     bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
		ReadEnabled bool `json:"read_enabled,omitempty" yaml:"read_enabled,omitempty"`
	} `json:"trace" yaml:"trace"`

	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// LoadRuntimeConfig reads, strictly decodes, defaults, and validates a
// RuntimeConfig from a YAML file.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RuntimeConfig
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *RuntimeConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RuntimeConfig) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Scheduler.WorkerCount == 0 {
		cfg.Scheduler.WorkerCount = 4
	}
	if cfg.Tick.DefaultBudgetMS == 0 {
		cfg.Tick.DefaultBudgetMS = 50
	}
	if cfg.Rings.TraceCapacity == 0 {
		cfg.Rings.TraceCapacity = 4096
	}
	if cfg.Rings.LogCapacity == 0 {
		cfg.Rings.LogCapacity = 4096
	}
	if strings.TrimSpace(cfg.VLA.RunID) == "" {
		cfg.VLA.RunID = "mbt-run"
	}
}

func validateConfig(cfg *RuntimeConfig) error {
	if cfg == nil {
		return &ValidationError{Message: "config is nil"}
	}
	if cfg.Version != 1 {
		return &ValidationError{Message: fmt.Sprintf("unsupported config version: %d", cfg.Version)}
	}
	if cfg.Scheduler.WorkerCount < 1 {
		return &ValidationError{Message: "scheduler.worker_count must be >= 1"}
	}
	if cfg.Tick.DefaultBudgetMS < 0 {
		return &ValidationError{Message: "tick.default_budget_ms must be >= 0"}
	}
	if cfg.Rings.TraceCapacity < 1 {
		return &ValidationError{Message: "rings.trace_capacity must be >= 1"}
	}
	if cfg.Rings.LogCapacity < 1 {
		return &ValidationError{Message: "rings.log_capacity must be >= 1"}
	}
	if strings.TrimSpace(cfg.VLA.RunID) == "" {
		return &ValidationError{Message: "vla.run_id must not be blank"}
	}
	return nil
}

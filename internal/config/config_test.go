package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultMatchesReferenceConstants(t *testing.T) {
	cfg := Default()
	if cfg.BatchDuration != 0x80 || cfg.MaxBatches != 16 || cfg.MaxEntries != 128 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("expected defaults for missing file, got %+v", cfg)
	}
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eb.yaml")
	content := "batch_duration: 256\nmax_entries: 4\ncontributors:\n  - \"10.0.0.1:32769\"\n  - \"10.0.0.2:32769\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BatchDuration != 256 || cfg.MaxEntries != 4 {
		t.Fatalf("expected overrides applied, got %+v", cfg)
	}
	if len(cfg.Contributors) != 2 {
		t.Fatalf("expected 2 contributors, got %v", cfg.Contributors)
	}
	if cfg.Contract() != 0b11 {
		t.Fatalf("expected derived contract 0b11, got %#b", cfg.Contract())
	}
}

func TestContractMaskOverridesDerivedContract(t *testing.T) {
	cfg := Default()
	cfg.Contributors = []string{"a", "b", "c"}
	cfg.ContractMask = 0b101
	if cfg.Contract() != 0b101 {
		t.Fatalf("expected explicit contract mask to win, got %#b", cfg.Contract())
	}
}

func TestApplyOptionsLayerOverLoaded(t *testing.T) {
	base := Default()
	cfg := Apply(base, WithInstanceID(7), WithVerbose(true), WithContributors([]string{"x", "y"}))
	if cfg.InstanceID != 7 || !cfg.Verbose || len(cfg.Contributors) != 2 {
		t.Fatalf("unexpected applied config: %+v", cfg)
	}
	if base.InstanceID != 0 || base.Verbose {
		t.Fatalf("Apply must not mutate base: %+v", base)
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidation(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roamshell.yaml")
	if err := os.WriteFile(path, []byte("server:\n  mtu: 1400\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.MTU != 1400 {
		t.Fatalf("expected mtu 1400, got %d", cfg.Server.MTU)
	}
	if cfg.Server.PortLow != DefaultPortLow || cfg.Server.PortHigh != DefaultPortHigh {
		t.Fatalf("expected default port range, got %d-%d", cfg.Server.PortLow, cfg.Server.PortHigh)
	}
	if cfg.Prediction.Mode != DefaultPrediction {
		t.Fatalf("expected default prediction mode, got %q", cfg.Prediction.Mode)
	}
}

func TestValidateRejectsBadPortRange(t *testing.T) {
	cfg := Default()
	cfg.Server.PortHigh = cfg.Server.PortLow - 1
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateRejectsUnknownPredictionMode(t *testing.T) {
	cfg := Default()
	cfg.Prediction.Mode = "sometimes"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateRejectsUnparseableTimeout(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.IdleWarn = "not-a-duration"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error loading a missing file")
	}
}

func TestWriteThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roamshell.yaml")

	cfg := Default()
	cfg.Server.PortLow = 61100
	cfg.Server.PortHigh = 61200
	if err := Write(path, cfg); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.PortLow != 61100 || loaded.Server.PortHigh != 61200 {
		t.Fatalf("round trip lost the port range: got %d-%d", loaded.Server.PortLow, loaded.Server.PortHigh)
	}

	// Write refuses to clobber an existing file.
	if err := Write(path, cfg); err == nil {
		t.Fatal("expected Write to refuse overwriting an existing file")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default config to validate: %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default config: %v", err)
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if len(cfg.Slots.IDs) == 0 {
		t.Fatalf("expected non-empty slot ids")
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing-config.json")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected missing test config file")
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load config with missing file: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected default config version 1, got %d", cfg.Version)
	}
}

func TestValidateRejectsDuplicateSlotIDs(t *testing.T) {
	cfg := Default()
	cfg.Slots.IDs = []string{"preview-1", "preview-1"}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for duplicate slot ids")
	}
}

func TestValidateRejectsMissingTemplatePlaceholder(t *testing.T) {
	cfg := Default()
	cfg.PreviewDB.NameTemplate = "app_preview"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for missing {n} placeholder")
	}
}

func TestValidateRequiresJWTSecretWhenAuthRequired(t *testing.T) {
	cfg := Default()
	cfg.Auth.Required = true
	cfg.Auth.JWTSecret = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error when auth required without a secret")
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default config: %v", err)
	}

	t.Setenv("CONTROLPLANE_HTTP_ADDR", ":9999")
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9999" {
		t.Fatalf("expected env override to win, got %q", cfg.Server.HTTPAddr)
	}
}

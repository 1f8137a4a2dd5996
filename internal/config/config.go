// Package config loads the control plane's configuration: a
// Default/Load/Validate/SaveDefault shape over a JSON file on disk,
// overlaid with a few CONTROLPLANE_-prefixed environment variables read
// through viper.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"metawsm/internal/model"
)

// DefaultConfigPath is where Load looks when no path is given.
const DefaultConfigPath = ".controlplane/config.json"

// Config is the full set of operator-tunable knobs for the control plane.
type Config struct {
	Version int `json:"version"`

	Slots struct {
		IDs             []string `json:"ids"`
		LeaseTTLSeconds int      `json:"lease_ttl_seconds"`
	} `json:"slots"`

	Workspace struct {
		RepoRoot     string `json:"repo_root"`
		WorktreeRoot string `json:"worktree_root"`
		MainBranch   string `json:"main_branch"`
	} `json:"workspace"`

	PreviewDB struct {
		NameTemplate     string `json:"name_template"`
		SeedFileTemplate string `json:"seed_file_template"`
		SnapshotTemplate string `json:"snapshot_file_template"`
	} `json:"preview_db"`

	Deploy struct {
		ReloadCommand      []string `json:"reload_command"`
		HealthCommand      []string `json:"health_command"`
		StepTimeoutSeconds int      `json:"step_timeout_seconds"`
	} `json:"deploy"`

	MergeGate struct {
		RecheckRequired       bool     `json:"recheck_required"`
		RequiredChecks        []string `json:"required_checks"`
		TestCommands          []string `json:"test_commands"`
		ForbiddenFilePatterns []string `json:"forbidden_file_patterns"`
	} `json:"merge_gate"`

	Server struct {
		HTTPAddr        string `json:"http_addr"`
		TraceHeaderName string `json:"trace_header_name"`
	} `json:"server"`

	Auth struct {
		JWTSecret string `json:"jwt_secret"`
		Required  bool   `json:"required"`
	} `json:"auth"`

	Store struct {
		DBPath string `json:"db_path"`
	} `json:"store"`

	Reaper struct {
		IntervalSeconds int `json:"interval_seconds"`
	} `json:"reaper"`
}

// Default returns the built-in configuration a fresh control plane starts
// from.
func Default() Config {
	cfg := Config{Version: 1}
	cfg.Slots.IDs = []string{"preview-1", "preview-2", "preview-3"}
	cfg.Slots.LeaseTTLSeconds = 900
	cfg.Workspace.RepoRoot = "."
	cfg.Workspace.WorktreeRoot = ".controlplane/worktrees"
	cfg.Workspace.MainBranch = "main"
	cfg.PreviewDB.NameTemplate = "app_preview_{n}"
	cfg.PreviewDB.SeedFileTemplate = "/seeds/seed_{version}.sql"
	cfg.PreviewDB.SnapshotTemplate = "/snapshots/snapshot_{version}.sql"
	cfg.Deploy.ReloadCommand = []string{"true"}
	cfg.Deploy.HealthCommand = []string{"true"}
	cfg.Deploy.StepTimeoutSeconds = 120
	cfg.MergeGate.RecheckRequired = true
	cfg.MergeGate.RequiredChecks = []string{"tests", "forbidden_files", "head_unchanged"}
	cfg.MergeGate.TestCommands = []string{"go build ./...", "go test ./..."}
	cfg.MergeGate.ForbiddenFilePatterns = []string{".env", "*.pem", "secrets/*"}
	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.TraceHeaderName = "X-Trace-Id"
	cfg.Auth.Required = false
	cfg.Store.DBPath = ".controlplane/controlplane.db"
	cfg.Reaper.IntervalSeconds = 30
	return cfg
}

// Load reads path (or DefaultConfigPath if empty), falling back to Default()
// when the file does not exist, then overlays CONTROLPLANE_-prefixed
// environment variables via viper before validating. Flags are not read
// here; CLI commands apply their own overrides (such as serve --addr) to
// the returned Config.
func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := strings.TrimSpace(path)
	if finalPath == "" {
		finalPath = DefaultConfigPath
	}

	if _, err := os.Stat(finalPath); err == nil {
		b, err := os.ReadFile(finalPath)
		if err != nil {
			return cfg, finalPath, fmt.Errorf("read config %s: %w", finalPath, err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, finalPath, fmt.Errorf("parse config %s: %w", finalPath, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, finalPath, fmt.Errorf("stat config %s: %w", finalPath, err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate config %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

// applyEnvOverrides lets a handful of deployment-critical fields be set
// without touching the config file, the same role viper.AutomaticEnv plays
// for any CLI's flags.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("CONTROLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("db_path"); s != "" {
		cfg.Store.DBPath = s
	}
	if s := v.GetString("http_addr"); s != "" {
		cfg.Server.HTTPAddr = s
	}
	if s := v.GetString("auth_jwt_secret"); s != "" {
		cfg.Auth.JWTSecret = s
	}
	if v.IsSet("auth_required") {
		cfg.Auth.Required = v.GetBool("auth_required")
	}
	if s := v.GetString("repo_root"); s != "" {
		cfg.Workspace.RepoRoot = s
	}
	if s := v.GetString("worktree_root"); s != "" {
		cfg.Workspace.WorktreeRoot = s
	}
}

// SaveDefault writes Default() to path, creating parent directories as
// needed.
func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate checks structural invariants the rest of the system assumes
// hold: at least one slot, positive timeouts, a recognized reset strategy
// is never enforced here since that is per-request, but the required-checks
// list and templates are.
func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if len(cfg.Slots.IDs) == 0 {
		return fmt.Errorf("slots.ids must contain at least one slot")
	}
	seen := map[string]bool{}
	for _, id := range cfg.Slots.IDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("slots.ids must not contain empty values")
		}
		if seen[id] {
			return fmt.Errorf("slots.ids must not repeat %q", id)
		}
		seen[id] = true
	}
	if cfg.Slots.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("slots.lease_ttl_seconds must be > 0")
	}
	if strings.TrimSpace(cfg.Workspace.RepoRoot) == "" {
		return fmt.Errorf("workspace.repo_root cannot be empty")
	}
	if strings.TrimSpace(cfg.Workspace.WorktreeRoot) == "" {
		return fmt.Errorf("workspace.worktree_root cannot be empty")
	}
	if strings.TrimSpace(cfg.Workspace.MainBranch) == "" {
		return fmt.Errorf("workspace.main_branch cannot be empty")
	}
	if !strings.Contains(cfg.PreviewDB.NameTemplate, "{n}") {
		return fmt.Errorf("preview_db.name_template must contain {n}")
	}
	if cfg.Deploy.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("deploy.step_timeout_seconds must be > 0")
	}
	if len(cfg.MergeGate.RequiredChecks) == 0 {
		return fmt.Errorf("merge_gate.required_checks must contain at least one check")
	}
	if cfg.Auth.Required && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.required is true")
	}
	if cfg.Reaper.IntervalSeconds <= 0 {
		return fmt.Errorf("reaper.interval_seconds must be > 0")
	}
	if strings.TrimSpace(cfg.Store.DBPath) == "" {
		return fmt.Errorf("store.db_path cannot be empty")
	}
	return nil
}

// ResetStrategyDefault is the strategy the allocation orchestrator falls
// back to when a run's context does not specify one explicitly.
func ResetStrategyDefault() model.ResetStrategy {
	return model.ResetStrategySeed
}

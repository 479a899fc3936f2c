// Package config loads and validates the host policy snapshot. The snapshot
// is immutable for the lifetime of a task.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Defaults applied when the policy file leaves a budget unset.
const (
	DefaultMaxSteps     = 32
	DefaultPerActionMs  = 10_000
	DefaultMaxReadBytes = 262_144
)

// BrowserSettings configures the browser subsystem. A nil value disables the
// capability entirely.
type BrowserSettings struct {
	WebDriverURL   string
	DefaultProfile string
}

// LLMSettings configures the completion proxy.
type LLMSettings struct {
	Endpoint string
	Model    string
	APIKey   string
}

// Budgets are the scalar bounds the host enforces independent of the
// guest's wishes.
type Budgets struct {
	MaxSteps     int
	PerActionMs  int64
	MaxReadBytes uint64
}

// Policy is the validated policy snapshot in effect for a task.
type Policy struct {
	Workspace   string // canonical absolute host path
	ProcAllow   []string
	LLM         LLMSettings
	Browser     *BrowserSettings
	Budgets     Budgets
	AuditPath   string
	GuestModule string
}

// Load reads the policy from the viper instance backing the CLI. Returns a
// host error (exit code 3 territory) on any validation failure.
func Load(v *viper.Viper) (*Policy, error) {
	v.SetDefault("budgets.max_steps", DefaultMaxSteps)
	v.SetDefault("budgets.per_action_ms", DefaultPerActionMs)
	v.SetDefault("budgets.max_read_bytes", DefaultMaxReadBytes)

	if v.IsSet("input.enabled") && v.GetBool("input.enabled") {
		return nil, fmt.Errorf("input.enabled must be false or absent")
	}

	workspace := v.GetString("workspace")
	if workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	workspace, err := canonicalizeWorkspace(workspace)
	if err != nil {
		return nil, err
	}

	policy := &Policy{
		Workspace: workspace,
		ProcAllow: v.GetStringSlice("proc.allow"),
		LLM: LLMSettings{
			Endpoint: v.GetString("llm.endpoint"),
			Model:    v.GetString("llm.model"),
			APIKey:   v.GetString("llm.api_key"),
		},
		Budgets: Budgets{
			MaxSteps:     v.GetInt("budgets.max_steps"),
			PerActionMs:  v.GetInt64("budgets.per_action_ms"),
			MaxReadBytes: v.GetUint64("budgets.max_read_bytes"),
		},
		AuditPath:   v.GetString("audit.path"),
		GuestModule: v.GetString("guest.module"),
	}
	if url := v.GetString("browser.webdriver_url"); url != "" {
		policy.Browser = &BrowserSettings{
			WebDriverURL:   url,
			DefaultProfile: v.GetString("browser.default_profile"),
		}
	}
	if policy.Budgets.MaxSteps <= 0 {
		return nil, fmt.Errorf("budgets.max_steps must be positive")
	}
	if policy.Budgets.PerActionMs <= 0 {
		return nil, fmt.Errorf("budgets.per_action_ms must be positive")
	}
	if policy.Budgets.MaxReadBytes == 0 {
		return nil, fmt.Errorf("budgets.max_read_bytes must be positive")
	}
	return policy, nil
}

// canonicalizeWorkspace makes the workspace path absolute and resolves
// symlinks so the containment checks have a stable base.
func canonicalizeWorkspace(path string) (string, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid workspace path %q: %w", path, err)
	}
	canonical, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		return "", fmt.Errorf("workspace %q: %w", path, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return "", fmt.Errorf("workspace %q: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %q is not a directory", path)
	}
	return canonical, nil
}

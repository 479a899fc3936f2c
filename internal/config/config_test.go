package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.Set("workspace", t.TempDir())
	return v
}

func TestLoadAppliesBudgetDefaults(t *testing.T) {
	policy, err := Load(baseViper(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxSteps, policy.Budgets.MaxSteps)
	assert.Equal(t, int64(DefaultPerActionMs), policy.Budgets.PerActionMs)
	assert.Equal(t, uint64(DefaultMaxReadBytes), policy.Budgets.MaxReadBytes)
}

func TestLoadCanonicalizesWorkspace(t *testing.T) {
	v := baseViper(t)
	policy, err := Load(v)
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(policy.Workspace))
	resolved, err := filepath.EvalSymlinks(policy.Workspace)
	require.NoError(t, err)
	assert.Equal(t, resolved, policy.Workspace)
}

func TestLoadRequiresWorkspace(t *testing.T) {
	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace")
}

func TestLoadRejectsMissingWorkspaceDir(t *testing.T) {
	v := viper.New()
	v.Set("workspace", filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := Load(v)
	require.Error(t, err)
}

func TestLoadRejectsInputEnabled(t *testing.T) {
	v := baseViper(t)
	v.Set("input.enabled", true)
	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input.enabled")
}

func TestLoadAcceptsInputExplicitlyDisabled(t *testing.T) {
	v := baseViper(t)
	v.Set("input.enabled", false)
	_, err := Load(v)
	require.NoError(t, err)
}

func TestBrowserAbsenceDisablesCapability(t *testing.T) {
	policy, err := Load(baseViper(t))
	require.NoError(t, err)
	assert.Nil(t, policy.Browser)
}

func TestBrowserSettingsParsed(t *testing.T) {
	v := baseViper(t)
	v.Set("browser.webdriver_url", "ws://127.0.0.1:9222")
	v.Set("browser.default_profile", "work")

	policy, err := Load(v)
	require.NoError(t, err)
	require.NotNil(t, policy.Browser)
	assert.Equal(t, "ws://127.0.0.1:9222", policy.Browser.WebDriverURL)
	assert.Equal(t, "work", policy.Browser.DefaultProfile)
}

func TestLoadRejectsNonPositiveBudgets(t *testing.T) {
	tests := []struct {
		key   string
		value any
	}{
		{"budgets.max_steps", 0},
		{"budgets.max_steps", -1},
		{"budgets.per_action_ms", 0},
		{"budgets.max_read_bytes", 0},
	}
	for _, tt := range tests {
		v := baseViper(t)
		v.Set(tt.key, tt.value)
		_, err := Load(v)
		assert.Error(t, err, "key %s=%v must be rejected", tt.key, tt.value)
	}
}

func TestProcAllowAndLLMSettings(t *testing.T) {
	v := baseViper(t)
	v.Set("proc.allow", []string{"echo", "git"})
	v.Set("llm.endpoint", "https://llm.internal/v1/complete")
	v.Set("llm.model", "planner-large")
	v.Set("llm.api_key", "sk-secret")

	policy, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "git"}, policy.ProcAllow)
	assert.Equal(t, "planner-large", policy.LLM.Model)
	assert.Equal(t, "sk-secret", policy.LLM.APIKey)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi/internal/model"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_FLOAT_BAD="high" is not a valid number`, err.Error())
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Empty(t, cfg.DatabaseURL, "defaults to the in-memory store")
	assert.Equal(t, PolicyVersion, cfg.Policy.Version)
	assert.Equal(t, model.ModeHybrid, cfg.Policy.DefaultConfiguration.Mode)
	assert.Equal(t, 0.75, cfg.Policy.DefaultConfiguration.ConfidenceThreshold)
	assert.Equal(t, 0.8, cfg.Policy.DefaultConfiguration.QualityThreshold)
	assert.Equal(t, 0.9, cfg.Policy.AutoApproveThreshold)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadRejectsBadRateLimit(t *testing.T) {
	t.Setenv("MANABI_RATE_LIMIT_RPS", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MANABI_RATE_LIMIT_RPS")

	t.Setenv("MANABI_RATE_LIMIT_ENABLED", "false")
	_, err = Load()
	assert.NoError(t, err)
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("MANABI_PORT", "abc")
	t.Setenv("MANABI_OVERLAP_THRESHOLD", "xyz")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MANABI_PORT")
	assert.Contains(t, err.Error(), "MANABI_OVERLAP_THRESHOLD")
}

func TestLoadRejectsOutOfRangePolicy(t *testing.T) {
	t.Setenv("MANABI_AUTO_APPROVE_THRESHOLD", "1.5")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto-approve")
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	body := `{"learning_rules":[{"name":"always","condition":"responseQuality >= 0","action":"REINFORCE_PATTERN","priority":1,"enabled":true,"success_rate":0.8}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("MANABI_RULES_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Policy.LearningRules, 1)
	assert.Equal(t, "always", cfg.Policy.LearningRules[0].Name)
	assert.Equal(t, DefaultUpdateRules(), cfg.Policy.UpdateRules, "empty table keeps the built-in rules")
}

func TestLoadRulesFileRejectsBadCondition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	body := `{"learning_rules":[{"name":"evil","condition":"exec('rm -rf /')","action":"X","priority":1,"enabled":true}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("MANABI_RULES_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), `learning rule "evil"`), err.Error())
}

func TestLoadRulesFileRejectsConfidenceReadingAutoApprove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	body := `{"update_rules":[{"name":"mid_band","condition":"confidence < 0.85","action":"AUTO_APPROVE","priority":1,"enabled":true,"auto_approve":true,"confidence_threshold":0.5}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("MANABI_RULES_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `update rule "mid_band"`)
	assert.Contains(t, err.Error(), "confidence_threshold")
}

func TestDefaultPolicyValidates(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
}

func TestPrior(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 0.85, p.Prior(model.KnowledgeFAQ))
	assert.Equal(t, 0.6, p.Prior(model.KnowledgePattern))
	assert.Equal(t, 0.6, p.Prior("UNKNOWN"), "unknown types get the lowest prior")
}

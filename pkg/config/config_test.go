package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "SHADOW_MODE", "CYCLE_INTERVAL", "CYCLE_CONCURRENCY", "API_RATE_LIMIT_RPS"} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.ShadowMode)
	assert.Equal(t, time.Hour, cfg.CycleInterval)
	assert.Equal(t, 4, cfg.CycleConcurrency)
	assert.Equal(t, 10.0, cfg.RateLimitRPS)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("SHADOW_MODE", "true")
	t.Setenv("CYCLE_INTERVAL", "15m")
	t.Setenv("CYCLE_CONCURRENCY", "not-a-number")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.True(t, cfg.ShadowMode)
	assert.Equal(t, 15*time.Minute, cfg.CycleInterval)
	assert.Equal(t, 4, cfg.CycleConcurrency)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
}

func TestDefaultPolicy_IsValid(t *testing.T) {
	p := config.DefaultPolicy()
	require.NoError(t, p.Validate())

	assert.Equal(t, 20.0, p.Guardrail.ApproveHeadroomPct)
	assert.Equal(t, 3, p.Guardrail.AutoApprovePositiveLessons)
	assert.Equal(t, "established", p.Department(contracts.DepartmentLegal).RequiredMaturity)
	assert.Equal(t, 7*24*time.Hour, p.Genesis.TrialDuration)

	// every seeded capability points at a catalogued agent
	known := map[string]bool{}
	for _, a := range p.Agents {
		known[a.ID] = true
	}
	for _, id := range p.AgentIDs() {
		assert.True(t, known[id], "agent %s is not catalogued", id)
	}
}

func TestLoadPolicy_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
guardrail:
  approve_headroom_pct: 35
  rules:
    - name: weekend_freeze
      expr: 'decision.decision_type == "price_adjustment"'
      verdict: blocked
departments:
  marketing:
    required_maturity: growing
    daily_credit_cap: 500
    outcome_baseline: 3
genesis:
  trial_duration: 72h
`), 0o600))

	p, err := config.LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 35.0, p.Guardrail.ApproveHeadroomPct)
	assert.Equal(t, 3, p.Guardrail.AutoApprovePositiveLessons)
	require.Len(t, p.Guardrail.Rules, 1)
	assert.Equal(t, int64(500), p.Department(contracts.DepartmentMarketing).DailyCreditCap)
	// untouched departments keep their defaults
	assert.Equal(t, int64(150), p.Department(contracts.DepartmentSales).DailyCreditCap)
	assert.Equal(t, 72*time.Hour, p.Genesis.TrialDuration)
}

func TestLoadPolicy_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad risk":     "guardrail:\n  decision_type_risk:\n    foo: extreme\n",
		"bad verdict":  "guardrail:\n  rules:\n    - name: r\n      expr: 'true'\n      verdict: approved\n",
		"bad maturity": "departments:\n  sales:\n    required_maturity: unicorn\n",
		"bad dept":     "departments:\n  rnd:\n    required_maturity: starter\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := config.LoadPolicy(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := config.LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	p, err := config.LoadPolicy("")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

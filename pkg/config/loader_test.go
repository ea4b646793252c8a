package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/policy"
)

const minimalPolicyYAML = `
rules:
  status:
    scopes: ["ops:read"]
  issue close:
    scopes: ["issues:write"]
    mutating: true
    confirmation_required: true
    min_assurance_tier: tier_b
    ops_class: issue_mutation
rate_limit:
  window_ms: 60000
  actor_limit: 5
  channel_limit: 20
  overflow_behavior: defer
  defer_ms: 30000
`

func writeConfigDir(t *testing.T, muYAML, policyYAML string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MuConfigFile), []byte(muYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PolicyConfigFile), []byte(policyYAML), 0o644))
	return dir
}

func TestInitializeMergesDefaults(t *testing.T) {
	dir := writeConfigDir(t, `
repo_root: /work/repo
server:
  port: 9000
`, minimalPolicyYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	// User overrides win, untouched knobs keep defaults.
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/work/repo", cfg.RepoRoot)
	assert.Equal(t, int64(500), cfg.Outbox.PollIntervalMs)
	assert.Equal(t, 20, cfg.Run.DefaultMaxSteps)
	assert.Equal(t, dir, cfg.ConfigDir())
	assert.Equal(t, filepath.Join("/work/repo", ".mu", ControlPlaneDirName), cfg.StoreDir)

	require.NotNil(t, cfg.Policy)
	rule, ok := cfg.Policy.Rules["issue close"]
	require.True(t, ok)
	assert.True(t, rule.ConfirmationRequired)
	assert.Equal(t, models.TierB, rule.MinAssuranceTier)
	assert.Equal(t, policy.OverflowDefer, cfg.Policy.RateLimit.Overflow)
	// Normalize fills the acceptance TTLs.
	assert.Equal(t, int64(policy.DefaultIdempotencyTTLMs), cfg.Policy.IdempotencyTTLMs)
}

func TestInitializeResolvesAdapterSecrets(t *testing.T) {
	t.Setenv("MU_TEST_SLACK_SIGNING", "  slack-secret  ")
	t.Setenv("MU_TEST_SLACK_BOT", "xoxb-123")

	dir := writeConfigDir(t, `
repo_root: /work/repo
adapters:
  slack:
    enabled: true
    signing_secret_env: MU_TEST_SLACK_SIGNING
    bot_token_env: MU_TEST_SLACK_BOT
`, minimalPolicyYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	slack := cfg.Adapters[models.ChannelSlack]
	assert.Equal(t, "slack-secret", slack.SigningSecret)
	assert.Equal(t, "xoxb-123", slack.BotToken)
	assert.Equal(t, []models.Channel{models.ChannelSlack}, cfg.EnabledAdapters())
}

func TestInitializeRejectsEnabledAdapterWithoutSecret(t *testing.T) {
	t.Setenv("MU_TEST_EMPTY_SECRET", "")
	dir := writeConfigDir(t, `
repo_root: /work/repo
adapters:
  slack:
    enabled: true
    signing_secret_env: MU_TEST_EMPTY_SECRET
`, minimalPolicyYAML)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "signing_secret_env")
}

func TestInitializeRejectsMissingRepoRoot(t *testing.T) {
	dir := writeConfigDir(t, `
server:
  port: 9000
`, minimalPolicyYAML)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "repo_root")
}

func TestInitializeRejectsRuleWithoutScopes(t *testing.T) {
	dir := writeConfigDir(t, "repo_root: /work/repo\n", `
rules:
  status:
    scopes: []
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scopes")
}

func TestInitializeMissingConfigFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfigDir(t, "repo_root: [unclosed\n", minimalPolicyYAML)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidatesSeededPrograms(t *testing.T) {
	dir := writeConfigDir(t, `
repo_root: /work/repo
programs:
  heartbeats:
    - id: hb
      every_ms: 0
      prompt: mu status
`, minimalPolicyYAML)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every_ms")
}

func TestLoadPolicyStandalone(t *testing.T) {
	dir := writeConfigDir(t, "repo_root: /x\n", minimalPolicyYAML)

	pol, err := LoadPolicy(dir)
	require.NoError(t, err)
	assert.Len(t, pol.Rules, 2)
	assert.Equal(t, int64(30000), pol.RateLimit.DeferMs)
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("MU_TEST_HOST", "0.0.0.0")

	out := ExpandEnv([]byte("host: {{.MU_TEST_HOST}}"))
	assert.Equal(t, "host: 0.0.0.0", string(out))

	// Dollar signs pass through untouched, they are not template syntax.
	out = ExpandEnv([]byte(`command: "issue list --filter ^mu-.*$"`))
	assert.Equal(t, `command: "issue list --filter ^mu-.*$"`, string(out))

	// Malformed templates fall back to the raw bytes.
	raw := []byte("value: {{.unterminated")
	assert.Equal(t, raw, ExpandEnv(raw))
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "2m0s", cfg.CLITimeout().String())
	assert.Equal(t, "30s", cfg.DrainTimeout().String())
}

// Package config loads and validates the mu control-plane configuration from
// mu.yaml and policy.yaml. Secrets are referenced by environment variable
// name and resolved at load time; the YAML never holds credential material.
package config

import (
	"time"

	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/policy"
	"github.com/mu-ops/mu/pkg/programs"
	"github.com/mu-ops/mu/pkg/telemetry"
)

// ControlPlaneDirName is the state directory under the repo store.
const ControlPlaneDirName = "control-plane"

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AdapterConfig configures one channel adapter. *Env fields name environment
// variables; empty resolved values disable the channel.
type AdapterConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SigningSecretEnv string `yaml:"signing_secret_env,omitempty"`
	SharedSecretEnv  string `yaml:"shared_secret_env,omitempty"`
	// BotTokenEnv names the outbound credential (Slack bot token, Telegram
	// bot token).
	BotTokenEnv string `yaml:"bot_token_env,omitempty"`
	// WebhookURL is the outbound delivery endpoint for webhook channels.
	WebhookURL string `yaml:"webhook_url,omitempty"`

	// Resolved at load time, never serialized.
	SigningSecret string `yaml:"-"`
	SharedSecret  string `yaml:"-"`
	BotToken      string `yaml:"-"`
}

// CLIConfig tunes the allowlisted CLI runner.
type CLIConfig struct {
	Binary    string `yaml:"binary"`
	WorkDir   string `yaml:"work_dir,omitempty"`
	TimeoutMs int64  `yaml:"timeout_ms"`
}

// RunConfig tunes the run supervisor.
type RunConfig struct {
	Binary          string `yaml:"binary"`
	WorkDir         string `yaml:"work_dir,omitempty"`
	StoredLines     int    `yaml:"stored_lines"`
	MaxHistory      int    `yaml:"max_history"`
	DefaultMaxSteps int    `yaml:"default_max_steps"`
}

// OutboxConfig tunes the delivery loop.
type OutboxConfig struct {
	PollIntervalMs   int64 `yaml:"poll_interval_ms"`
	AttemptTimeoutMs int64 `yaml:"attempt_timeout_ms"`
	RetryInitialMs   int64 `yaml:"retry_initial_ms"`
	RetryCeilingMs   int64 `yaml:"retry_ceiling_ms"`
}

// ReloadConfig tunes generation reloads.
type ReloadConfig struct {
	DrainTimeoutMs int64 `yaml:"drain_timeout_ms"`
}

// ProgramsConfig seeds the program registries and their tick cadence.
type ProgramsConfig struct {
	TickIntervalMs int64                       `yaml:"tick_interval_ms"`
	Heartbeats     []programs.HeartbeatProgram `yaml:"heartbeats,omitempty"`
	Crons          []programs.CronProgram      `yaml:"crons,omitempty"`
}

// MuConfig is the complete resolved configuration.
type MuConfig struct {
	Server   ServerConfig                     `yaml:"server"`
	RepoRoot string                           `yaml:"repo_root"`
	StoreDir string                           `yaml:"store_dir,omitempty"`
	Adapters map[models.Channel]AdapterConfig `yaml:"adapters"`
	CLI      CLIConfig                        `yaml:"cli"`
	Run      RunConfig                        `yaml:"run"`
	Outbox   OutboxConfig                     `yaml:"outbox"`
	Reload   ReloadConfig                     `yaml:"reload"`
	Gate     telemetry.GateThresholds         `yaml:"gate"`
	Programs ProgramsConfig                   `yaml:"programs"`

	// Policy is loaded from policy.yaml alongside mu.yaml.
	Policy *policy.Policy `yaml:"-"`

	configDir string
}

// ConfigDir returns the directory this configuration was loaded from.
func (c *MuConfig) ConfigDir() string {
	return c.configDir
}

// CLITimeout returns the runner timeout as a duration.
func (c *MuConfig) CLITimeout() time.Duration {
	return time.Duration(c.CLI.TimeoutMs) * time.Millisecond
}

// DrainTimeout returns the reload drain budget as a duration.
func (c *MuConfig) DrainTimeout() time.Duration {
	return time.Duration(c.Reload.DrainTimeoutMs) * time.Millisecond
}

// EnabledAdapters lists channels with an enabled adapter, in canonical order.
func (c *MuConfig) EnabledAdapters() []models.Channel {
	var out []models.Channel
	for _, ch := range models.AllChannels() {
		if a, ok := c.Adapters[ch]; ok && a.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

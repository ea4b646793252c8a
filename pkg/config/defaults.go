package config

import (
	"github.com/mu-ops/mu/pkg/models"
)

// DefaultConfig returns the built-in configuration. User YAML merges on top;
// unset values keep these defaults.
func DefaultConfig() *MuConfig {
	return &MuConfig{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8137,
		},
		Adapters: map[models.Channel]AdapterConfig{},
		CLI: CLIConfig{
			Binary:    "mu",
			TimeoutMs: 2 * 60 * 1000,
		},
		Run: RunConfig{
			Binary:          "mu",
			StoredLines:     1000,
			MaxHistory:      200,
			DefaultMaxSteps: 20,
		},
		Outbox: OutboxConfig{
			PollIntervalMs:   500,
			AttemptTimeoutMs: 10 * 1000,
			RetryInitialMs:   1000,
			RetryCeilingMs:   60 * 1000,
		},
		Reload: ReloadConfig{
			DrainTimeoutMs: 30 * 1000,
		},
		Programs: ProgramsConfig{
			TickIntervalMs: 1000,
		},
	}
}

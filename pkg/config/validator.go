package config

import (
	"fmt"

	"github.com/mu-ops/mu/pkg/models"
)

// Validator checks a loaded configuration for internal consistency.
type Validator struct {
	cfg *MuConfig
}

// NewValidator creates a validator for the configuration.
func NewValidator(cfg *MuConfig) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check and returns the first failure.
func (v *Validator) ValidateAll() error {
	checks := []func() error{
		v.validateServer,
		v.validateRepo,
		v.validateAdapters,
		v.validatePolicy,
		v.validatePrograms,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateServer() error {
	if v.cfg.Server.Port <= 0 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", "", fmt.Errorf("%w: %d", ErrInvalidValue, v.cfg.Server.Port))
	}
	return nil
}

func (v *Validator) validateRepo() error {
	if v.cfg.RepoRoot == "" {
		return NewValidationError("server", "repo_root", "", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateAdapters() error {
	for channel, a := range v.cfg.Adapters {
		if !channel.IsValid() {
			return NewValidationError("adapter", string(channel), "", fmt.Errorf("%w: unknown channel", ErrInvalidValue))
		}
		if !a.Enabled {
			continue
		}
		switch channel {
		case models.ChannelSlack, models.ChannelDiscord:
			if a.SigningSecret == "" {
				return NewValidationError("adapter", string(channel), "signing_secret_env",
					fmt.Errorf("%w: resolved secret is empty", ErrMissingRequiredField))
			}
		default:
			if a.SharedSecret == "" {
				return NewValidationError("adapter", string(channel), "shared_secret_env",
					fmt.Errorf("%w: resolved secret is empty", ErrMissingRequiredField))
			}
		}
	}
	return nil
}

func (v *Validator) validatePolicy() error {
	if v.cfg.Policy == nil {
		return NewValidationError("policy", "policy.yaml", "", ErrMissingRequiredField)
	}
	for key, rule := range v.cfg.Policy.Rules {
		if len(rule.Scopes) == 0 {
			return NewValidationError("policy", key, "scopes", ErrMissingRequiredField)
		}
		if rule.MinAssuranceTier != "" && !rule.MinAssuranceTier.IsValid() {
			return NewValidationError("policy", key, "min_assurance_tier",
				fmt.Errorf("%w: %s", ErrInvalidValue, rule.MinAssuranceTier))
		}
	}
	return nil
}

func (v *Validator) validatePrograms() error {
	for i := range v.cfg.Programs.Heartbeats {
		if err := v.cfg.Programs.Heartbeats[i].Validate(); err != nil {
			return NewValidationError("heartbeat_program", v.cfg.Programs.Heartbeats[i].ID, "", err)
		}
	}
	for i := range v.cfg.Programs.Crons {
		if err := v.cfg.Programs.Crons[i].Validate(); err != nil {
			return NewValidationError("cron_program", v.cfg.Programs.Crons[i].ID, "", err)
		}
	}
	return nil
}

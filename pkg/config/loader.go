package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/mu-ops/mu/pkg/policy"
)

// File names inside the config directory.
const (
	MuConfigFile     = "mu.yaml"
	PolicyConfigFile = "policy.yaml"
)

// Initialize loads, merges, resolves, and validates the configuration.
//
// Steps performed:
//  1. Load mu.yaml and policy.yaml from configDir
//  2. Expand {{.VAR}} environment references
//  3. Merge user YAML over built-in defaults
//  4. Resolve secret environment variables into adapter configs
//  5. Validate everything
func Initialize(ctx context.Context, configDir string) (*MuConfig, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("configuration initialized",
		"adapters", len(cfg.EnabledAdapters()),
		"policy_rules", len(cfg.Policy.Rules),
		"heartbeats", len(cfg.Programs.Heartbeats),
		"crons", len(cfg.Programs.Crons))
	return cfg, nil
}

func load(_ context.Context, configDir string) (*MuConfig, error) {
	loader := &configLoader{configDir: configDir}

	user := &MuConfig{}
	if err := loader.loadYAML(MuConfigFile, user); err != nil {
		return nil, NewLoadError(MuConfigFile, err)
	}

	cfg := DefaultConfig()
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	cfg.configDir = configDir

	if cfg.StoreDir == "" {
		cfg.StoreDir = filepath.Join(cfg.RepoRoot, ".mu", ControlPlaneDirName)
	}

	pol, err := LoadPolicy(configDir)
	if err != nil {
		return nil, err
	}
	cfg.Policy = pol

	resolveSecrets(cfg)
	return cfg, nil
}

// LoadPolicy reads policy.yaml on its own, the path used both at boot and by
// the `policy update` command.
func LoadPolicy(configDir string) (*policy.Policy, error) {
	loader := &configLoader{configDir: configDir}
	pol := &policy.Policy{}
	if err := loader.loadYAML(PolicyConfigFile, pol); err != nil {
		return nil, NewLoadError(PolicyConfigFile, err)
	}
	pol.Normalize()
	return pol, nil
}

// resolveSecrets reads the named environment variables into each adapter.
// Values are whitespace-trimmed; a missing variable leaves the secret empty,
// which disables the corresponding verification or outbound path.
func resolveSecrets(cfg *MuConfig) {
	for channel, a := range cfg.Adapters {
		if a.SigningSecretEnv != "" {
			a.SigningSecret = strings.TrimSpace(os.Getenv(a.SigningSecretEnv))
		}
		if a.SharedSecretEnv != "" {
			a.SharedSecret = strings.TrimSpace(os.Getenv(a.SharedSecretEnv))
		}
		if a.BotTokenEnv != "" {
			a.BotToken = strings.TrimSpace(os.Getenv(a.BotTokenEnv))
		}
		cfg.Adapters[channel] = a
	}
}

func validate(cfg *MuConfig) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

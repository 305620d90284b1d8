package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. ${ENV_VAR}
// references are expanded before parsing so secrets can stay out of the
// file itself.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadUnvalidated(configPath)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadUnvalidated parses the file without enforcing required fields. The
// doctor uses it so it can report every problem instead of stopping at the
// first.
func LoadUnvalidated(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	data = expandEnv(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// expandEnv replaces ${VAR} with the environment value. Unset variables
// expand to the empty string; validation catches the ones that matter.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyDefaults backfills zero values that yaml may have overwritten.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.DataDir == "" {
		cfg.Service.DataDir = def.Service.DataDir
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.Auth.SessionTTL <= 0 {
		cfg.Auth.SessionTTL = def.Auth.SessionTTL
	}
	if cfg.Bridge.OnlineTTL <= 0 {
		cfg.Bridge.OnlineTTL = def.Bridge.OnlineTTL
	}
	if cfg.Jobs.StaleTTL <= 0 {
		cfg.Jobs.StaleTTL = def.Jobs.StaleTTL
	}
	if cfg.Jobs.MaxUploadBytes <= 0 {
		cfg.Jobs.MaxUploadBytes = def.Jobs.MaxUploadBytes
	}
	if cfg.Stream.MaxFollow <= 0 {
		cfg.Stream.MaxFollow = def.Stream.MaxFollow
	}
}

func validate(cfg *Config) error {
	if cfg.Service.DataDir == "" {
		return fmt.Errorf("service.data_dir is required")
	}
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if cfg.Auth.BridgeSecret == "" {
		return fmt.Errorf("auth.bridge_secret is required (set it directly or via ${ENV_VAR})")
	}
	if cfg.Bridge.OnlineTTL < time.Second {
		return fmt.Errorf("bridge.online_ttl must be at least 1s")
	}
	return nil
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates a configuration file.
// A directory argument is resolved to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML bytes on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults fills fields a YAML file zeroed out explicitly.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.State.Driver == "" {
		cfg.State.Driver = defaults.State.Driver
	}
	if cfg.Webhooks.ChallengeHeader == "" {
		cfg.Webhooks.ChallengeHeader = defaults.Webhooks.ChallengeHeader
	}
	if cfg.Webhooks.ChallengeParam == "" {
		cfg.Webhooks.ChallengeParam = defaults.Webhooks.ChallengeParam
	}
	if cfg.Webhooks.RateLimit.Requests <= 0 {
		cfg.Webhooks.RateLimit.Requests = defaults.Webhooks.RateLimit.Requests
	}
	if cfg.Webhooks.RateLimit.Window <= 0 {
		cfg.Webhooks.RateLimit.Window = defaults.Webhooks.RateLimit.Window
	}
	if cfg.Processor.Workers <= 0 {
		cfg.Processor.Workers = defaults.Processor.Workers
	}
	if cfg.Processor.MaxAttempts <= 0 {
		cfg.Processor.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Processor.Backoff <= 0 {
		cfg.Processor.Backoff = DefaultBackoff
	}
	if cfg.Processor.AttemptTimeout <= 0 {
		cfg.Processor.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Processor.PollInterval <= 0 {
		cfg.Processor.PollInterval = defaults.Processor.PollInterval
	}
	if cfg.Lifecycle.WithinDays <= 0 {
		cfg.Lifecycle.WithinDays = DefaultWithinDays
	}
	if cfg.Lifecycle.TickInterval <= 0 {
		cfg.Lifecycle.TickInterval = defaults.Lifecycle.TickInterval
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Lifecycle.LockPath == "" {
		cfg.Lifecycle.LockPath = filepath.Join(filepath.Dir(cfg.State.Path), "lifecycle.lock")
	}
}

// interpolateEnv replaces ${VAR} with its environment value. Unset variables
// are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.State.Driver {
	case "sqlite":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres driver")
		}
		if err := unresolved("state.dsn", cfg.State.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("state.driver must be sqlite or postgres (got %q)", cfg.State.Driver)
	}

	if cfg.Webhooks.Listen == "" {
		return fmt.Errorf("webhooks.listen is required")
	}
	if cfg.Webhooks.PublicBaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.Webhooks.PublicBaseURL); err != nil {
			return fmt.Errorf("webhooks.public_base_url: %w", err)
		}
	}
	if cfg.Webhooks.SignatureEnabled() {
		if cfg.Webhooks.PublicKey == "" && cfg.Webhooks.PublicKeyFile == "" {
			return fmt.Errorf("webhooks.public_key or webhooks.public_key_file is required when verify_signature is on")
		}
		if cfg.Webhooks.Issuer == "" {
			return fmt.Errorf("webhooks.issuer is required when verify_signature is on")
		}
		if err := unresolved("webhooks.public_key", cfg.Webhooks.PublicKey); err != nil {
			return err
		}
	}

	if _, err := url.ParseRequestURI(cfg.Provider.BaseURL); err != nil {
		return fmt.Errorf("provider.base_url: %w", err)
	}
	if cfg.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider.requests_per_second must not be negative")
	}

	if cfg.Processor.Backoff < 0 || cfg.Processor.AttemptTimeout < 0 {
		return fmt.Errorf("processor durations must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth.api_key or api.auth.tokens is required when the api is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, t := range cfg.API.Auth.Tokens {
			if t.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), t.Token); err != nil {
				return err
			}
		}
	}
	return nil
}

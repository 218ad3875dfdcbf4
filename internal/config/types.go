package config

import "time"

// Config represents the complete invoicehook configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Provider  ProviderConfig  `yaml:"provider"`
	Processor ProcessorConfig `yaml:"processor"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	API       APIConfig       `yaml:"api"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig selects the durable store.
type StateConfig struct {
	Driver       string `yaml:"driver"` // sqlite | postgres
	Path         string `yaml:"path"`
	DSN          string `yaml:"dsn,omitempty"`
	MaxOpenConns int    `yaml:"max_open_conns,omitempty"`
}

// WebhooksConfig defines the inbound webhook listener.
type WebhooksConfig struct {
	Listen          string `yaml:"listen"`
	PublicBaseURL   string `yaml:"public_base_url"`
	MaxBodySize     string `yaml:"max_body_size"`
	VerifySignature *bool  `yaml:"verify_signature,omitempty"`
	Issuer          string `yaml:"issuer"`
	PublicKey       string `yaml:"public_key,omitempty"`
	PublicKeyFile   string `yaml:"public_key_file,omitempty"`
	ChallengeHeader string `yaml:"challenge_header"`
	ChallengeParam  string `yaml:"challenge_param"`
	// TrustProxy honours X-Forwarded-For / X-Real-IP. Enable only behind a
	// reverse proxy that overwrites them.
	TrustProxy bool `yaml:"trust_proxy"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// SignatureEnabled reports whether bearer JWT verification is on (default true).
func (w WebhooksConfig) SignatureEnabled() bool {
	return w.VerifySignature == nil || *w.VerifySignature
}

// RateLimitConfig is a fixed-window per-source-IP limit.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ProviderConfig defines the upstream REST API.
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	UserAgent         string        `yaml:"user_agent"`
}

// ProcessorConfig defines the async worker pool and its retry policy.
type ProcessorConfig struct {
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// LifecycleConfig defines scheduled subscription renewal.
type LifecycleConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Jitter       time.Duration `yaml:"jitter"`
	WithinDays   int           `yaml:"within_days"`
	LockPath     string        `yaml:"lock_path"`
}

// APIConfig defines the operator API.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig holds the API bearer tokens. APIKey grants every scope.
type APIAuthConfig struct {
	APIKey string           `yaml:"api_key,omitempty"`
	Tokens []APITokenConfig `yaml:"tokens,omitempty"`
}

// APITokenConfig is a bearer token limited to a set of scopes.
type APITokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Default values shared with the components that consume them.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoff        = 60 * time.Second
	DefaultAttemptTimeout = 120 * time.Second
	DefaultWithinDays     = 15
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "invoicehook",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Driver: "sqlite",
			Path:   "./data/state.db",
		},
		Webhooks: WebhooksConfig{
			Listen:          "127.0.0.1:8081",
			MaxBodySize:     "1MB",
			ChallengeHeader: "X-Fic-Verification-Challenge",
			ChallengeParam:  "x-fic-verification-challenge",
			RateLimit: RateLimitConfig{
				Requests: 1,
				Window:   time.Second,
			},
		},
		Provider: ProviderConfig{
			BaseURL:           "https://api-v2.fattureincloud.it",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 4,
			Burst:             4,
			UserAgent:         "invoicehook",
		},
		Processor: ProcessorConfig{
			Workers:        2,
			MaxAttempts:    DefaultMaxAttempts,
			Backoff:        DefaultBackoff,
			AttemptTimeout: DefaultAttemptTimeout,
			PollInterval:   time.Second,
		},
		Lifecycle: LifecycleConfig{
			Enabled:      true,
			TickInterval: 6 * time.Hour,
			Jitter:       5 * time.Minute,
			WithinDays:   DefaultWithinDays,
			LockPath:     "./data/lifecycle.lock",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}

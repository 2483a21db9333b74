// Package config loads and validates Agentium configuration from
// .agentium/config.yaml, with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Agentium configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	DataDir string `yaml:"data_dir"` // sqlite database directory

	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Critic        CriticConfig        `yaml:"critic"`
	Amendment     AmendmentConfig     `yaml:"amendment"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Reincarnation ReincarnationConfig `yaml:"reincarnation"`
	Notify        NotifyConfig        `yaml:"notify"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen       string `yaml:"listen"`        // host:port
	ReadTimeout  string `yaml:"read_timeout"`  // Go duration
	WriteTimeout string `yaml:"write_timeout"` // Go duration
}

// Principal is one human login for the principal API.
type Principal struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // sovereign | operator
}

// AuthConfig configures bearer-token issuance.
type AuthConfig struct {
	TokenSecret string      `yaml:"token_secret"` // HMAC key; env AGENTIUM_TOKEN_SECRET
	TokenTTL    string      `yaml:"token_ttl"`
	Principals  []Principal `yaml:"principals"`
}

// ProvidersConfig configures the key manager and model adapter.
type ProvidersConfig struct {
	EncryptionKey      string   `yaml:"encryption_key"` // 32-byte hex; env AGENTIUM_PROVIDER_KEY
	MaxFailures        int      `yaml:"max_failures_before_cooldown"`
	CooldownMinutes    int      `yaml:"cooldown_minutes"`
	RateLimitCooldown  int      `yaml:"rate_limit_cooldown_minutes"`
	NotifyDebounceSecs int      `yaml:"notification_debounce_seconds"`
	TimeoutSeconds     int      `yaml:"timeout_seconds"`
	FallbackOrder      []string `yaml:"fallback_order"` // provider kinds tried after the requested one
}

// CriticConfig configures the critic engine.
type CriticConfig struct {
	MaxRetries      int    `yaml:"max_retries"`
	CriticModel     string `yaml:"critic_model"`    // orthogonal to executor model
	CriticProvider  string `yaml:"critic_provider"` // provider kind for critic calls
	MaxOutputBytes  int    `yaml:"max_output_bytes"`
	ConsensusOnFail bool   `yaml:"consensus_on_first_reject"`
}

// AmendmentConfig configures the constitutional state machine.
type AmendmentConfig struct {
	RequiredSponsors int     `yaml:"required_sponsors"`
	DebateWindow     string  `yaml:"debate_window"` // Go duration, e.g. "48h"
	VotingWindow     string  `yaml:"voting_window"`
	QuorumPct        float64 `yaml:"quorum_pct"`
	SupermajorityPct float64 `yaml:"supermajority_pct"`
}

// PipelineConfig configures task execution.
type PipelineConfig struct {
	MaxParallelTasks int `yaml:"max_parallel_tasks"`
	SelfExecuteUnder int `yaml:"self_execute_under"` // description length below which a LEAD self-executes
}

// ReincarnationConfig configures context-exhaustion handoffs.
type ReincarnationConfig struct {
	ContextBudgetTokens int     `yaml:"context_budget_tokens"`
	TriggerRatio        float64 `yaml:"trigger_ratio"` // fraction of budget that triggers a handoff
	SummaryMaxTokens    int     `yaml:"summary_max_tokens"`
}

// NotifyChannel configures one outbound channel.
type NotifyChannel struct {
	Kind       string `yaml:"kind"` // webhook | slack | email
	WebhookURL string `yaml:"webhook_url,omitempty"`
	SMTPAddr   string `yaml:"smtp_addr,omitempty"`
	From       string `yaml:"from,omitempty"`
	To         string `yaml:"to,omitempty"`
}

// NotifyConfig lists registered outbound channels.
type NotifyConfig struct {
	Channels []NotifyChannel `yaml:"channels"`
}

// LoggingConfig mirrors logging.loadConfig.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Name:    "agentium",
		Version: "0.1.0",
		DataDir: ".agentium",
		Server: ServerConfig{
			Listen:       "127.0.0.1:8470",
			ReadTimeout:  "30s",
			WriteTimeout: "60s",
		},
		Auth: AuthConfig{
			TokenTTL: "12h",
		},
		Providers: ProvidersConfig{
			MaxFailures:        3,
			CooldownMinutes:    5,
			RateLimitCooldown:  15,
			NotifyDebounceSecs: 300,
			TimeoutSeconds:     60,
			FallbackOrder:      []string{"openai", "anthropic", "local"},
		},
		Critic: CriticConfig{
			MaxRetries:      5,
			MaxOutputBytes:  1 << 20,
			ConsensusOnFail: true,
		},
		Amendment: AmendmentConfig{
			RequiredSponsors: 2,
			DebateWindow:     "48h",
			VotingWindow:     "24h",
			QuorumPct:        0.60,
			SupermajorityPct: 0.66,
		},
		Pipeline: PipelineConfig{
			MaxParallelTasks: 8,
			SelfExecuteUnder: 280,
		},
		Reincarnation: ReincarnationConfig{
			ContextBudgetTokens: 128000,
			TriggerRatio:        0.8,
			SummaryMaxTokens:    300,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from <workspace>/.agentium/config.yaml, falling
// back to defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(workspace, ".agentium", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes config to <workspace>/.agentium/config.yaml.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".agentium")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0600)
}

// applyEnvOverrides pulls secrets from the environment so they never
// have to live in the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENTIUM_TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := os.Getenv("AGENTIUM_PROVIDER_KEY"); v != "" {
		c.Providers.EncryptionKey = v
	}
	if v := os.Getenv("AGENTIUM_LISTEN"); v != "" {
		c.Server.Listen = v
	}
}

// TokenTTL parses the auth token lifetime.
func (c *Config) TokenTTL() time.Duration {
	d, err := time.ParseDuration(c.Auth.TokenTTL)
	if err != nil || d <= 0 {
		return 12 * time.Hour
	}
	return d
}

// DebateWindow parses the amendment debate window.
func (c *AmendmentConfig) DebateWindowDuration() time.Duration {
	d, err := time.ParseDuration(c.DebateWindow)
	if err != nil || d < 0 {
		return 48 * time.Hour
	}
	return d
}

// VotingWindowDuration parses the amendment voting window.
func (c *AmendmentConfig) VotingWindowDuration() time.Duration {
	d, err := time.ParseDuration(c.VotingWindow)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// ModelTimeout parses the model call timeout.
func (c *ProvidersConfig) ModelTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config carries the docscout service configuration. Values come from
	// built-in defaults, overlaid by an optional YAML file, overlaid by
	// DOCSCOUT_* environment variables.
	Config struct {
		// Addr is the HTTP listen address.
		Addr string `yaml:"addr"`

		// DocRoot is the document tree the agent explores. Every command is
		// confined to it.
		DocRoot string `yaml:"doc_root"`

		Agent   AgentConfig   `yaml:"agent"`
		Sandbox SandboxConfig `yaml:"sandbox"`
		Session SessionConfig `yaml:"session"`
		Model   ModelConfig   `yaml:"model"`
		Mongo   MongoConfig   `yaml:"mongo"`
		Redis   RedisConfig   `yaml:"redis"`
	}

	// AgentConfig tunes the turn loop and the event stream.
	AgentConfig struct {
		// MaxIterations bounds planner proposals per turn.
		MaxIterations int `yaml:"max_iterations"`
		// Pacing is the delay between consecutive stream events.
		Pacing time.Duration `yaml:"pacing"`
		// DisplayLimit caps result bytes shown to clients.
		DisplayLimit int `yaml:"display_limit"`
		// MaxCommandLength bounds accepted command text.
		MaxCommandLength int `yaml:"max_command_length"`
	}

	// SandboxConfig tunes command execution.
	SandboxConfig struct {
		// Timeout bounds each command's wall-clock runtime.
		Timeout time.Duration `yaml:"timeout"`
		// MaxOutputBytes caps captured combined output per command.
		MaxOutputBytes int `yaml:"max_output_bytes"`
		// MaxConcurrent bounds commands executing at once across sessions.
		MaxConcurrent int `yaml:"max_concurrent"`
	}

	// SessionConfig tunes the session lifecycle.
	SessionConfig struct {
		// IdleTimeout is the inactivity window after which a session turns
		// idle. Twice the window expires it.
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	}

	// ModelConfig selects and budgets the completion provider. API keys are
	// never read from the file: anthropic and openai read ANTHROPIC_API_KEY
	// and OPENAI_API_KEY, bedrock uses the ambient AWS credential chain.
	ModelConfig struct {
		// Provider is one of anthropic, openai or bedrock.
		Provider string `yaml:"provider"`
		// ID is the model identifier requests default to.
		ID string `yaml:"id"`
		// TokensPerMinute is the initial adaptive rate limiter budget. Zero
		// uses the limiter's built-in default.
		TokensPerMinute float64 `yaml:"tokens_per_minute"`
		// MaxTokensPerMinute caps how far the limiter probes upward.
		MaxTokensPerMinute float64 `yaml:"max_tokens_per_minute"`
	}

	// MongoConfig selects the session and audit stores. An empty URI keeps
	// both in memory.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig enables the Pulse fan-out of turn events and cluster-aware
	// rate limiting. An empty address disables both.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}
)

// Providers accepted by ModelConfig.Provider.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Addr:    ":8000",
		DocRoot: "/workspace/document",
		Agent: AgentConfig{
			MaxIterations:    10,
			Pacing:           50 * time.Millisecond,
			DisplayLimit:     1500,
			MaxCommandLength: 1000,
		},
		Sandbox: SandboxConfig{
			Timeout:        30 * time.Second,
			MaxOutputBytes: 1 << 20,
			MaxConcurrent:  16,
		},
		Session: SessionConfig{
			IdleTimeout: time.Hour,
		},
		Model: ModelConfig{
			Provider: ProviderAnthropic,
			ID:       "claude-3-5-sonnet-20241022",
		},
		Mongo: MongoConfig{
			Database: "docscout",
		},
	}
}

// LoadConfig builds the configuration: defaults first, then the YAML file
// when path is non-empty, then DOCSCOUT_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = envOr("DOCSCOUT_ADDR", c.Addr)
	c.DocRoot = envOr("DOCSCOUT_DOC_ROOT", c.DocRoot)
	c.Agent.MaxIterations = envIntOr("DOCSCOUT_MAX_ITERATIONS", c.Agent.MaxIterations)
	c.Agent.Pacing = envDurationOr("DOCSCOUT_PACING", c.Agent.Pacing)
	c.Sandbox.Timeout = envDurationOr("DOCSCOUT_COMMAND_TIMEOUT", c.Sandbox.Timeout)
	c.Session.IdleTimeout = envDurationOr("DOCSCOUT_IDLE_TIMEOUT", c.Session.IdleTimeout)
	c.Model.Provider = envOr("DOCSCOUT_PROVIDER", c.Model.Provider)
	c.Model.ID = envOr("DOCSCOUT_MODEL", c.Model.ID)
	c.Mongo.URI = envOr("DOCSCOUT_MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = envOr("DOCSCOUT_MONGO_DATABASE", c.Mongo.Database)
	c.Redis.Addr = envOr("DOCSCOUT_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("DOCSCOUT_REDIS_PASSWORD", c.Redis.Password)
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.DocRoot == "" {
		return errors.New("doc_root is required")
	}
	switch c.Model.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderBedrock:
	default:
		return fmt.Errorf("unknown provider %q (valid: anthropic, openai, bedrock)", c.Model.Provider)
	}
	if c.Model.ID == "" {
		return errors.New("model.id is required")
	}
	if c.Agent.MaxIterations <= 0 {
		return errors.New("agent.max_iterations must be positive")
	}
	if c.Agent.Pacing < 0 {
		return errors.New("agent.pacing must not be negative")
	}
	if c.Sandbox.Timeout <= 0 {
		return errors.New("sandbox.timeout must be positive")
	}
	if c.Session.IdleTimeout <= 0 {
		return errors.New("session.idle_timeout must be positive")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("mongo.database is required when mongo.uri is set")
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

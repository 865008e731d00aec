// Package config loads and validates the optibot configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then environment variable overrides for credentials. Validation
// is fail-fast — a missing required value aborts startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all optibot configuration.
type Config struct {
	// Slack transport credentials.
	Slack SlackConfig `yaml:"slack"`

	// Planner (LLM) configuration.
	Planner PlannerConfig `yaml:"planner"`

	// Warehouse (external data system) configuration.
	Warehouse WarehouseConfig `yaml:"warehouse"`

	// Agent execution loop bounds.
	Agent AgentConfig `yaml:"agent"`

	// Artifact lifecycle settings.
	Artifacts ArtifactConfig `yaml:"artifacts"`

	// Conversation state settings.
	Conversations ConversationConfig `yaml:"conversations"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`
}

// SlackConfig configures the socket-mode session and Web API client.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"` // xoxb-..., outbound Web API
	AppToken string `yaml:"app_token"` // xapp-..., socket-mode handshake

	// APIBase overrides the Web API endpoint (tests).
	APIBase string `yaml:"api_base"`

	// DedupWindow bounds the inbound event-id cache.
	DedupWindow string `yaml:"dedup_window"`
}

// PlannerConfig configures the Gemini planner.
type PlannerConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// WarehouseConfig configures the data-system gateway.
type WarehouseConfig struct {
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// AgentConfig bounds the tool-calling loop.
type AgentConfig struct {
	StepCap            int    `yaml:"step_cap"`
	TurnTimeout        string `yaml:"turn_timeout"`
	RetriesPerError    int    `yaml:"retries_per_error"`
	MaxConcurrentTurns int    `yaml:"max_concurrent_turns"`
}

// ArtifactConfig configures result-file storage.
type ArtifactConfig struct {
	Dir           string `yaml:"dir"`
	TTL           string `yaml:"ttl"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	SweepInterval string `yaml:"sweep_interval"`
}

// ConversationConfig configures conversation state.
type ConversationConfig struct {
	IdleEviction string `yaml:"idle_eviction"`
	QueueBound   int    `yaml:"queue_bound"`

	// HistoryDB is an optional sqlite path for the turn-history store.
	// Empty disables persistence.
	HistoryDB string `yaml:"history_db"`

	// RehydrateTurns is how many stored turns to reload as context when
	// a known conversation key reappears after restart.
	RehydrateTurns int `yaml:"rehydrate_turns"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Slack: SlackConfig{
			APIBase:     "https://slack.com/api",
			DedupWindow: "10m",
		},
		Planner: PlannerConfig{
			Model: "gemini-2.5-flash",
		},
		Warehouse: WarehouseConfig{
			Timeout:    "30s",
			MaxRetries: 3,
		},
		Agent: AgentConfig{
			StepCap:            8,
			TurnTimeout:        "60s",
			RetriesPerError:    2,
			MaxConcurrentTurns: 10,
		},
		Artifacts: ArtifactConfig{
			Dir:           filepath.Join(os.TempDir(), "optibot-artifacts"),
			TTL:           "1h",
			MaxSizeMB:     50,
			SweepInterval: "1m",
		},
		Conversations: ConversationConfig{
			IdleEviction:   "30m",
			QueueBound:     8,
			RehydrateTurns: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file (if path is non-empty), applies environment
// overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays credential environment variables. Env always wins so
// secrets stay out of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		c.Slack.AppToken = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Planner.APIKey = v
	}
	if v := os.Getenv("WAREHOUSE_URL"); v != "" {
		c.Warehouse.BaseURL = v
	}
}

// Validate checks required values and formats. Called at startup;
// failures abort the process.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack bot token is required (SLACK_BOT_TOKEN)")
	}
	if !strings.HasPrefix(c.Slack.BotToken, "xoxb-") {
		return fmt.Errorf("slack bot token must start with xoxb-")
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack app token is required (SLACK_APP_TOKEN)")
	}
	if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
		return fmt.Errorf("slack app token must start with xapp-")
	}
	if c.Planner.APIKey == "" {
		return fmt.Errorf("planner api key is required (GEMINI_API_KEY)")
	}
	if c.Warehouse.BaseURL == "" {
		return fmt.Errorf("warehouse base url is required (WAREHOUSE_URL)")
	}
	if c.Agent.StepCap < 1 {
		return fmt.Errorf("agent step cap must be at least 1, got %d", c.Agent.StepCap)
	}
	if c.Agent.MaxConcurrentTurns < 1 {
		return fmt.Errorf("max concurrent turns must be at least 1, got %d", c.Agent.MaxConcurrentTurns)
	}
	if c.Artifacts.MaxSizeMB < 1 {
		return fmt.Errorf("artifact max size must be at least 1MB, got %d", c.Artifacts.MaxSizeMB)
	}
	if c.Conversations.QueueBound < 1 {
		return fmt.Errorf("conversation queue bound must be at least 1, got %d", c.Conversations.QueueBound)
	}

	durations := map[string]string{
		"slack.dedup_window":          c.Slack.DedupWindow,
		"warehouse.timeout":           c.Warehouse.Timeout,
		"agent.turn_timeout":          c.Agent.TurnTimeout,
		"artifacts.ttl":               c.Artifacts.TTL,
		"artifacts.sweep_interval":    c.Artifacts.SweepInterval,
		"conversations.idle_eviction": c.Conversations.IdleEviction,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration field that Validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

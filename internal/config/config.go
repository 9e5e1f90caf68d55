// Package config loads per-bot YAML configuration: defaults -> file ->
// environment (env wins). Secrets never live in the file; the file names
// the env vars that hold them.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BotID        string        `yaml:"bot_id"`
	DataDir      string        `yaml:"data_dir"`
	Discord      DiscordConfig `yaml:"discord"`
	Personality  Personality   `yaml:"personality"`
	Reactive     Reactive      `yaml:"reactive"`
	Agentic      Agentic       `yaml:"agentic"`
	API          API           `yaml:"api"`
	RateLimiting RateLimiting  `yaml:"rate_limiting"`
	Images       Images        `yaml:"images"`
	Database     Database      `yaml:"database"`
	Logging      Logging       `yaml:"logging"`
	Observer     Observer      `yaml:"observer"`
}

type DiscordConfig struct {
	TokenEnvVar string   `yaml:"token_env_var"`
	Token       string   `yaml:"-"` // resolved from env, never from file
	Servers     []string `yaml:"servers"`
	Backfill    Backfill `yaml:"backfill"`
}

type Backfill struct {
	Enabled      bool `yaml:"enabled"`
	Days         int  `yaml:"days"`
	Unlimited    bool `yaml:"unlimited"`
	InBackground bool `yaml:"in_background"`
}

type Personality struct {
	BasePrompt string     `yaml:"base_prompt"`
	Engagement Engagement `yaml:"engagement"`
}

type Engagement struct {
	ColdRate    float64 `yaml:"cold_rate"`
	WarmRate    float64 `yaml:"warm_rate"`
	HotRate     float64 `yaml:"hot_rate"`
	MentionRate float64 `yaml:"mention_rate"`
}

type Reactive struct {
	CheckIntervalSeconds int        `yaml:"check_interval_seconds"`
	ContextWindow        int        `yaml:"context_window"`
	Cooldowns            Cooldowns  `yaml:"cooldowns"`
	QuietHours           QuietHours `yaml:"quiet_hours"`
	SegmentDelaySeconds  int        `yaml:"segment_delay_seconds"`
}

// Cooldowns are in seconds.
type Cooldowns struct {
	PerUser       int `yaml:"per_user"`
	SingleMessage int `yaml:"single_message"`
	MultiMessage  int `yaml:"multi_message"`
	HeavyActivity int `yaml:"heavy_activity"`
}

// QuietHours are local hours [0,24); Start == End disables the window.
type QuietHours struct {
	Start    int    `yaml:"start"`
	End      int    `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

type Agentic struct {
	CheckIntervalHours float64   `yaml:"check_interval_hours"`
	Followups          Followups `yaml:"followups"`
	Proactive          Proactive `yaml:"proactive"`
}

type Followups struct {
	Enabled           bool    `yaml:"enabled"`
	MaxAgeDays        int     `yaml:"max_age_days"`
	PriorityThreshold float64 `yaml:"priority_threshold"`
}

type Proactive struct {
	Enabled             bool     `yaml:"enabled"`
	MinIdleHours        float64  `yaml:"min_idle_hours"`
	MaxIdleHours        float64  `yaml:"max_idle_hours"`
	MaxPerDayGlobal     int      `yaml:"max_per_day_global"`
	MaxPerDayPerChannel int      `yaml:"max_per_day_per_channel"`
	EngagementThreshold float64  `yaml:"engagement_threshold"`
	AllowedChannels     []string `yaml:"allowed_channels"`
}

type API struct {
	Model            string           `yaml:"model"`
	KeyEnvVar        string           `yaml:"key_env_var"`
	Key              string           `yaml:"-"` // resolved from env
	MaxTokens        int              `yaml:"max_tokens"`
	MaxIterations    int              `yaml:"max_iterations"`
	ExtendedThinking ExtendedThinking `yaml:"extended_thinking"`
	ContextEditing   ContextEditing   `yaml:"context_editing"`
	WebSearch        WebSearch        `yaml:"web_search"`
}

type ExtendedThinking struct {
	Enabled      bool `yaml:"enabled"`
	BudgetTokens int  `yaml:"budget_tokens"`
}

type ContextEditing struct {
	Enabled       bool     `yaml:"enabled"`
	TriggerTokens int      `yaml:"trigger_tokens"`
	KeepToolUses  int      `yaml:"keep_tool_uses"`
	ExcludeTools  []string `yaml:"exclude_tools"`
}

type WebSearch struct {
	Enabled          bool     `yaml:"enabled"`
	MaxDaily         int      `yaml:"max_daily"`
	MaxPerRequest    int      `yaml:"max_per_request"`
	CitationsEnabled bool     `yaml:"citations_enabled"`
	MaxContentTokens int      `yaml:"max_content_tokens"`
	AllowedDomains   []string `yaml:"allowed_domains"`
	BlockedDomains   []string `yaml:"blocked_domains"`
}

type RateLimiting struct {
	Short                   RateWindow `yaml:"short"`
	Long                    RateWindow `yaml:"long"`
	IgnoreThreshold         int        `yaml:"ignore_threshold"`
	EngagementTrackingDelay int        `yaml:"engagement_tracking_delay"` // seconds
}

type RateWindow struct {
	DurationMinutes int `yaml:"duration_minutes"`
	MaxResponses    int `yaml:"max_responses"`
}

type Images struct {
	Enabled           bool    `yaml:"enabled"`
	MaxPerMessage     int     `yaml:"max_per_message"`
	CompressionTarget float64 `yaml:"compression_target"`
}

type Database struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`         // sqlite; default persistence/<bot>_messages.db
	PostgresURL string `yaml:"postgres_url"` // pgx pool DSN
}

type Logging struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	BackupCount int    `yaml:"backup_count"`
}

type Observer struct {
	Enabled bool                       `yaml:"enabled"`
	Pricing map[string]ObserverPricing `yaml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		DataDir: ".",
		Discord: DiscordConfig{
			TokenEnvVar: "DISCORD_BOT_TOKEN",
			Backfill:    Backfill{Enabled: true, Days: 7, InBackground: true},
		},
		Personality: Personality{
			Engagement: Engagement{ColdRate: 0.10, WarmRate: 0.25, HotRate: 0.40, MentionRate: 1.0},
		},
		Reactive: Reactive{
			CheckIntervalSeconds: 30,
			ContextWindow:        20,
			Cooldowns:            Cooldowns{PerUser: 120, SingleMessage: 60, MultiMessage: 180, HeavyActivity: 600},
			QuietHours:           QuietHours{Start: 0, End: 6, Timezone: "UTC"},
			SegmentDelaySeconds:  2,
		},
		Agentic: Agentic{
			CheckIntervalHours: 1.0,
			Followups:          Followups{Enabled: true, MaxAgeDays: 14, PriorityThreshold: 0.5},
			Proactive: Proactive{
				MinIdleHours:        1,
				MaxIdleHours:        8,
				MaxPerDayGlobal:     10,
				MaxPerDayPerChannel: 3,
				EngagementThreshold: 0.30,
			},
		},
		API: API{
			Model:            "claude-sonnet-4-5",
			KeyEnvVar:        "ANTHROPIC_API_KEY",
			MaxTokens:        4096,
			MaxIterations:    10,
			ExtendedThinking: ExtendedThinking{BudgetTokens: 4096},
			WebSearch:        WebSearch{MaxDaily: 300, MaxPerRequest: 3, CitationsEnabled: true},
		},
		RateLimiting: RateLimiting{
			Short:                   RateWindow{DurationMinutes: 5, MaxResponses: 20},
			Long:                    RateWindow{DurationMinutes: 60, MaxResponses: 200},
			IgnoreThreshold:         5,
			EngagementTrackingDelay: 30,
		},
		Images: Images{Enabled: true, MaxPerMessage: 5, CompressionTarget: 0.73},
		Database: Database{
			Driver: "sqlite",
		},
		Logging: Logging{Level: "info", MaxSizeMB: 10, BackupCount: 3},
	}
}

// Load reads config: defaults -> YAML file -> env vars (env wins). The
// file must exist and parse; secrets resolve through the env var names it
// declares.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.BotID == "" {
		return Config{}, fmt.Errorf("config %s: bot_id is required", path)
	}
	if cfg.Discord.TokenEnvVar != "" {
		cfg.Discord.Token = os.Getenv(cfg.Discord.TokenEnvVar)
	}
	if cfg.API.KeyEnvVar != "" {
		cfg.API.Key = os.Getenv(cfg.API.KeyEnvVar)
	}
	return cfg, nil
}

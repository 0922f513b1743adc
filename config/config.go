// Package config loads the process-wide orchestrator configuration:
// environment variables first, optionally overlaid on a YAML file. It is read
// once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's startup configuration. YAML tags name the
// file keys; the environment variable for each field is the upper-cased key.
type Config struct {
	GitHubAppID         string `yaml:"github_app_id"`
	GitHubAppPrivateKey string `yaml:"github_app_private_key"`
	GitHubWebhookSecret string `yaml:"github_webhook_secret"`
	AnthropicAPIKey     string `yaml:"anthropic_api_key"`

	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`

	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	FileLockTTLSeconds    int     `yaml:"file_lock_ttl_seconds"`
	LeaseTTLSeconds       int     `yaml:"lease_ttl_seconds"`
	MaxConcurrentAgents   int     `yaml:"max_concurrent_agents"`
	CostAlertThresholdUSD float64 `yaml:"cost_alert_threshold_usd"`

	ModelHaiku  string `yaml:"model_haiku"`
	ModelSonnet string `yaml:"model_sonnet"`
	ModelOpus   string `yaml:"model_opus"`

	AgentLabels []string `yaml:"agent_labels"`

	// DevMode relaxes Validate so the service can run against local Redis
	// without platform credentials.
	DevMode bool `yaml:"dev_mode"`
}

// Defaults returns the configuration defaults applied before file and
// environment overrides.
func Defaults() Config {
	return Config{
		RedisURL:              "redis://localhost:6379",
		ListenAddr:            ":8080",
		LogLevel:              "INFO",
		FileLockTTLSeconds:    1800,
		LeaseTTLSeconds:       30,
		MaxConcurrentAgents:   3,
		CostAlertThresholdUSD: 10.0,
		ModelHaiku:            "claude-haiku-4-5",
		ModelSonnet:           "claude-sonnet-4-5",
		ModelOpus:             "claude-opus-4-1",
		AgentLabels:           []string{"agent-ok", "good-first-issue"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
func Load(file string) (Config, error) {
	cfg := Defaults()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// Validate rejects configurations that cannot serve webhooks. Dev mode skips
// the credential checks.
func (c Config) Validate() error {
	var errs []error
	if !c.DevMode {
		if c.GitHubAppID == "" {
			errs = append(errs, errors.New("github_app_id is required"))
		}
		if c.GitHubAppPrivateKey == "" {
			errs = append(errs, errors.New("github_app_private_key is required"))
		}
		if c.GitHubWebhookSecret == "" {
			errs = append(errs, errors.New("github_webhook_secret is required"))
		}
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("anthropic_api_key is required"))
		}
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("redis_url is required"))
	}
	if c.MaxConcurrentAgents <= 0 {
		errs = append(errs, errors.New("max_concurrent_agents must be positive"))
	}
	if c.FileLockTTLSeconds <= 0 {
		errs = append(errs, errors.New("file_lock_ttl_seconds must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	envStr("GITHUB_APP_ID", &c.GitHubAppID)
	envStr("GITHUB_APP_PRIVATE_KEY", &c.GitHubAppPrivateKey)
	envStr("GITHUB_WEBHOOK_SECRET", &c.GitHubWebhookSecret)
	envStr("ANTHROPIC_API_KEY", &c.AnthropicAPIKey)
	envStr("REDIS_URL", &c.RedisURL)
	envStr("REDIS_PASSWORD", &c.RedisPassword)
	envStr("LISTEN_ADDR", &c.ListenAddr)
	envStr("LOG_LEVEL", &c.LogLevel)
	envInt("FILE_LOCK_TTL_SECONDS", &c.FileLockTTLSeconds)
	envInt("LEASE_TTL_SECONDS", &c.LeaseTTLSeconds)
	envInt("MAX_CONCURRENT_AGENTS", &c.MaxConcurrentAgents)
	envFloat("COST_ALERT_THRESHOLD_USD", &c.CostAlertThresholdUSD)
	envStr("MODEL_HAIKU", &c.ModelHaiku)
	envStr("MODEL_SONNET", &c.ModelSonnet)
	envStr("MODEL_OPUS", &c.ModelOpus)
	envBool("DEV_MODE", &c.DevMode)
	if v := os.Getenv("AGENT_LABELS"); v != "" {
		var labels []string
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}
		if len(labels) > 0 {
			c.AgentLabels = labels
		}
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

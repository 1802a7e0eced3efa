// Package config handles loading, validating, persisting, and hot-reloading
// gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmgateway service.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Log       LogConfig        `koanf:"log"`
	Auth      AuthConfig       `koanf:"auth"`
	Providers []ProviderConfig `koanf:"providers"`
	Aliases   []AliasConfig    `koanf:"aliases"`
	Cooldown  CooldownConfig   `koanf:"cooldown"`
	Metrics   MetricsConfig    `koanf:"metrics"`
	Stream    StreamConfig     `koanf:"stream"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `koanf:"port"`
	// ReadTimeout bounds inbound request reads. The write side is left
	// unbounded because streaming responses are open-ended.
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// LogConfig controls application and request logging.
type LogConfig struct {
	Format string `koanf:"format"` // "text" or "json"
	Level  string `koanf:"level"`
}

// AuthConfig lists the inbound API keys accepted by the gateway.
type AuthConfig struct {
	Keys []APIKey `koanf:"keys"`
}

// APIKey is one inbound client credential.
type APIKey struct {
	Name    string `koanf:"name"`
	Secret  string `koanf:"secret"`
	Enabled *bool  `koanf:"enabled"`
}

// Active reports whether the key may authenticate requests.
func (k APIKey) Active() bool {
	return k.Secret != "" && (k.Enabled == nil || *k.Enabled)
}

// ProviderConfig holds the settings for a single upstream provider.
type ProviderConfig struct {
	Name     string   `koanf:"name"`
	Enabled  *bool    `koanf:"enabled"`
	Dialects []string `koanf:"dialects"`
	// Endpoints maps a dialect name to the full URL of that provider's
	// inference endpoint for the dialect.
	Endpoints map[string]string `koanf:"endpoints"`
	Auth      ProviderAuth      `koanf:"auth"`
	Models    []ModelConfig     `koanf:"models"`
	Headers   map[string]string `koanf:"headers"`
	// ExtraBody is merged into every outbound request body for this
	// provider; request fields win on conflict.
	ExtraBody map[string]any `koanf:"extra_body"`
	// CooldownOverrides replaces the global default duration per reason.
	CooldownOverrides map[string]time.Duration `koanf:"cooldown_overrides"`
	// Discount scales this provider's model costs, e.g. 0.5 halves them.
	Discount float64 `koanf:"discount"`
}

// Active reports whether the provider may receive traffic.
func (p ProviderConfig) Active() bool {
	return p.Enabled == nil || *p.Enabled
}

// SupportsDialect reports whether the provider natively speaks the dialect.
func (p ProviderConfig) SupportsDialect(d string) bool {
	for _, s := range p.Dialects {
		if s == d {
			return true
		}
	}
	return false
}

// Model returns the model entry by name.
func (p ProviderConfig) Model(name string) (ModelConfig, bool) {
	for _, m := range p.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// ModelCost returns the discounted expected input+output cost per million
// tokens for the named model; zero when the model is not priced.
func (p ProviderConfig) ModelCost(name string) float64 {
	m, ok := p.Model(name)
	if !ok {
		return 0
	}
	return (m.InputCostPer1M + m.OutputCostPer1M) * p.discountFactor()
}

// RequestCost prices one completed request in USD.
func (p ProviderConfig) RequestCost(model string, inputTokens, outputTokens int64) float64 {
	m, ok := p.Model(model)
	if !ok {
		return 0
	}
	cost := float64(inputTokens)/1e6*m.InputCostPer1M + float64(outputTokens)/1e6*m.OutputCostPer1M
	return cost * p.discountFactor()
}

func (p ProviderConfig) discountFactor() float64 {
	if p.Discount > 0 && p.Discount < 1 {
		return 1 - p.Discount
	}
	return 1
}

// ModelConfig is one upstream model with its pricing.
type ModelConfig struct {
	Name string `koanf:"name"`
	// Costs are USD per million tokens.
	InputCostPer1M  float64 `koanf:"input_cost_per_1m"`
	OutputCostPer1M float64 `koanf:"output_cost_per_1m"`
}

// AliasConfig maps a client-facing model name to ranked upstream targets.
type AliasConfig struct {
	ID string `koanf:"id"`
	// Aliases are secondary names resolving to the same entry.
	Aliases  []string       `koanf:"aliases"`
	Targets  []TargetConfig `koanf:"targets"`
	Strategy string         `koanf:"strategy"` // random|in_order|cost|latency|performance|usage
	Priority string         `koanf:"priority"` // selector|api_match
	Kind     string         `koanf:"kind"`     // chat|embeddings|transcriptions|speech|image|responses
	// Behaviors are per-alias request tweaks, e.g. strip_adaptive_thinking.
	Behaviors []string `koanf:"behaviors"`
}

// HasBehavior reports whether the alias carries the named behavior flag.
func (a AliasConfig) HasBehavior(name string) bool {
	for _, b := range a.Behaviors {
		if b == name {
			return true
		}
	}
	return false
}

// TargetConfig is one concrete (provider, model) candidate for an alias.
type TargetConfig struct {
	Provider string  `koanf:"provider"`
	Model    string  `koanf:"model"`
	Weight   float64 `koanf:"weight"`
	Enabled  *bool   `koanf:"enabled"`
	// APIType overrides the dialect used when calling the provider.
	APIType string `koanf:"api_type"`
}

// Active reports whether the target may be selected.
func (t TargetConfig) Active() bool {
	return t.Enabled == nil || *t.Enabled
}

// Upstream auth schemes.
const (
	AuthBearer  = "bearer"
	AuthXAPIKey = "x-api-key"
)

// ProviderAuth is the upstream credential for a provider.
type ProviderAuth struct {
	Type   string `koanf:"type"` // "bearer" or "x-api-key"
	Secret string `koanf:"secret"`
}

// CooldownConfig sets cooldown durations and bounds.
type CooldownConfig struct {
	MinDuration time.Duration `koanf:"min_duration"`
	MaxDuration time.Duration `koanf:"max_duration"`
	// Defaults maps a cooldown reason to its default duration.
	Defaults map[string]time.Duration `koanf:"defaults"`
	// StatePath is where cooldown state persists across restarts.
	StatePath string `koanf:"state_path"`
}

// MetricsConfig controls the rolling stats window.
type MetricsConfig struct {
	Window time.Duration `koanf:"window"`
}

// StreamConfig controls streaming behavior.
type StreamConfig struct {
	// WatchdogTimeout aborts a stream with no completion within the budget.
	WatchdogTimeout time.Duration `koanf:"watchdog_timeout"`
	// Sanitize enables identity-path SSE line rewrites.
	Sanitize bool `koanf:"sanitize"`
}

// Provider returns the provider entry by name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Defaults applied when the file leaves a setting unset.
const (
	DefaultPort            = 8080
	DefaultMetricsWindow   = 5 * time.Minute
	DefaultWatchdogTimeout = 300 * time.Second
	DefaultMinCooldown     = 5 * time.Second
	DefaultMaxCooldown     = 30 * time.Minute
)

// envPrefix lets any config value be overridden by environment, e.g.
// LLMGATEWAY_SERVER_PORT → server.port.
const envPrefix = "LLMGATEWAY_"

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, expands ${VAR} secrets, and applies defaults.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandSecrets(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandSecrets resolves ${VAR_NAME} placeholders from the environment for
// provider secrets and inbound API keys.
func expandSecrets(cfg *Config) {
	expand := func(s string) string {
		if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
			return os.Getenv(s[2 : len(s)-1])
		}
		return s
	}
	for i := range cfg.Providers {
		cfg.Providers[i].Auth.Secret = expand(cfg.Providers[i].Auth.Secret)
	}
	for i := range cfg.Auth.Keys {
		cfg.Auth.Keys[i].Secret = expand(cfg.Auth.Keys[i].Secret)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Metrics.Window == 0 {
		cfg.Metrics.Window = DefaultMetricsWindow
	}
	if cfg.Stream.WatchdogTimeout == 0 {
		cfg.Stream.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if cfg.Cooldown.MinDuration == 0 {
		cfg.Cooldown.MinDuration = DefaultMinCooldown
	}
	if cfg.Cooldown.MaxDuration == 0 {
		cfg.Cooldown.MaxDuration = DefaultMaxCooldown
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool)
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, a := range cfg.Aliases {
		if a.ID == "" {
			return fmt.Errorf("alias with empty id")
		}
		for _, t := range a.Targets {
			if _, ok := cfg.Provider(t.Provider); !ok {
				return fmt.Errorf("alias %q references unknown provider %q", a.ID, t.Provider)
			}
		}
	}
	return nil
}

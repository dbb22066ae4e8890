package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chatshaper/chatshaper/pkg/budget"
	"github.com/chatshaper/chatshaper/pkg/keypool"
)

// Provider types.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all chatshaper configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	BuildPhase bool             `yaml:"build_phase"`
	Providers  []ProviderConfig `yaml:"providers"`
	KeyPool    KeyPoolConfig    `yaml:"keypool"`
	Budget     BudgetConfig     `yaml:"budget"`
	Cache      CacheConfig      `yaml:"cache"`
	Router     RouterConfig     `yaml:"router"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic". Credentials come from APIKeys
// and, when APIKeyEnv is set, from the environment variables it names.
type ProviderConfig struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Type      string   `yaml:"type"`
	APIKeys   []string `yaml:"api_keys"`
	APIKeyEnv string   `yaml:"api_key_env"`
}

// Keys returns the provider's raw credentials: configured keys first, then
// any found through APIKeyEnv.
func (p ProviderConfig) Keys(lookup keypool.LookupFunc) []string {
	keys := append([]string(nil), p.APIKeys...)
	return append(keys, keypool.LoadEnv(p.APIKeyEnv, lookup)...)
}

// KeyPoolConfig controls credential recovery.
type KeyPoolConfig struct {
	Cooldown      time.Duration `yaml:"cooldown"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// BudgetConfig controls request shaping.
type BudgetConfig struct {
	ContextLimit int     `yaml:"context_limit"`
	SafetyMargin float64 `yaml:"safety_margin"`
	MinKeep      int     `yaml:"min_keep"`
	Estimator    string  `yaml:"estimator"`
	Encoding     string  `yaml:"encoding"`
}

// Ceiling is the safety-margined request ceiling.
func (b BudgetConfig) Ceiling() int {
	return budget.Ceiling(b.ContextLimit, b.SafetyMargin)
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "chatshaper.db",
		KeyPool: KeyPoolConfig{
			Cooldown:      time.Minute,
			CheckInterval: 5 * time.Second,
		},
		Budget: BudgetConfig{
			ContextLimit: budget.DefaultContextLimit,
			SafetyMargin: budget.DefaultSafetyMargin,
			MinKeep:      budget.DefaultMinKeep,
			Estimator:    budget.EstimatorHeuristic,
			Encoding:     budget.DefaultEncoding,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range cfg.Providers {
		if cfg.Providers[i].Type == "" {
			cfg.Providers[i].Type = ProviderOpenAI
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("provider %d: missing name", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("provider %q: duplicate name", p.Name))
		}
		seen[p.Name] = true
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("provider %q: missing url", p.Name))
		}
		switch p.Type {
		case "", ProviderOpenAI, ProviderAnthropic:
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type))
		}
	}
	if c.Budget.ContextLimit <= 0 {
		errs = append(errs, fmt.Errorf("budget.context_limit must be positive, got %d", c.Budget.ContextLimit))
	}
	if c.Budget.SafetyMargin <= 0 || c.Budget.SafetyMargin > 1 {
		errs = append(errs, fmt.Errorf("budget.safety_margin must be in (0, 1], got %v", c.Budget.SafetyMargin))
	}
	if c.Budget.MinKeep < 1 {
		errs = append(errs, fmt.Errorf("budget.min_keep must be at least 1, got %d", c.Budget.MinKeep))
	}
	switch c.Budget.Estimator {
	case "", budget.EstimatorHeuristic, budget.EstimatorTiktoken:
	default:
		errs = append(errs, fmt.Errorf("budget.estimator: unknown estimator %q", c.Budget.Estimator))
	}
	return errors.Join(errs...)
}

// Package config loads layered configuration: built-in defaults,
// an optional config.yaml, then COFFEE_-prefixed environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

// EnvPrefix namespaces the environment variables read by Load.
// Nested keys use a double underscore: COFFEE_PREFERENCES__MONTHLY_BUDGET.
const EnvPrefix = "COFFEE_"

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// Config is the root configuration for every pipeline stage.
type Config struct {
	Roasters    []RoasterConfig   `koanf:"roasters"`
	Scraper     ScraperConfig     `koanf:"scraper"`
	AI          AIConfig          `koanf:"ai"`
	Database    DatabaseConfig    `koanf:"database"`
	Preferences PreferencesConfig `koanf:"preferences"`
	MetricsAddr string            `koanf:"metrics_addr"`
	Verbose     bool              `koanf:"verbose"`
}

// RoasterConfig identifies one storefront to scrape.
type RoasterConfig struct {
	Name string `koanf:"name"`
	URL  string `koanf:"url"`
}

// ScraperConfig holds crawl tuning for the roaster storefronts.
type ScraperConfig struct {
	MaxPages           int           `koanf:"max_pages"`
	Parallelism        int           `koanf:"parallelism"`
	Delay              time.Duration `koanf:"delay"`
	RandomDelay        time.Duration `koanf:"random_delay"`
	Timeout            time.Duration `koanf:"timeout"`
	MaxRetries         int           `koanf:"max_retries"`
	RetryBackoff       time.Duration `koanf:"retry_backoff"`
	RetryBackoffMax    time.Duration `koanf:"retry_backoff_max"`
	UserAgent          string        `koanf:"user_agent"`
	RespectRobotsTxt   bool          `koanf:"respect_robots_txt"`
	PipelineBufferSize int           `koanf:"pipeline_buffer_size"`
	BatchSize          int           `koanf:"batch_size"`
	OutputFile         string        `koanf:"output_file"`
	OutputFormat       string        `koanf:"output_format"` // store, json, csv, or dual
}

// AIConfig holds settings for the extraction completions API.
type AIConfig struct {
	Endpoint     string        `koanf:"endpoint"`
	APIKey       string        `koanf:"api_key"`
	Model        string        `koanf:"model"`
	Temperature  float64       `koanf:"temperature"`
	MaxTokens    int           `koanf:"max_tokens"`
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	Timeout      time.Duration `koanf:"timeout"`
	CacheSize    int           `koanf:"cache_size"`
}

// DatabaseConfig locates the SQLite catalog.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// PreferencesConfig carries the user's taste and budget settings.
type PreferencesConfig struct {
	MonthlyBudget     float64            `koanf:"monthly_budget"`
	BudgetFlexibility float64            `koanf:"budget_flexibility"`
	FlavorAffinities  map[string]float64 `koanf:"flavor_affinities"`
	OriginAffinities  map[string]float64 `koanf:"origin_affinities"`
	RoastAffinities   map[string]float64 `koanf:"roast_affinities"`

	AffinityWeight          float64 `koanf:"affinity_weight"`
	VarietyWeight           float64 `koanf:"variety_weight"`
	RoasterSaturationWeight float64 `koanf:"roaster_saturation_weight"`
	OriginSaturationWeight  float64 `koanf:"origin_saturation_weight"`
	RecentWindowDays        int     `koanf:"recent_window_days"`

	BudgetFallback string  `koanf:"budget_fallback"` // widen, empty, or error
	WidenFactor    float64 `koanf:"widen_factor"`
	Limit          int     `koanf:"limit"`
}

// DefaultConfig returns conservative defaults for a single-user pipeline.
func DefaultConfig() *Config {
	return &Config{
		Scraper: ScraperConfig{
			MaxPages:           10,
			Parallelism:        4,
			Delay:              500 * time.Millisecond,
			RandomDelay:        250 * time.Millisecond,
			Timeout:            15 * time.Second,
			MaxRetries:         2,
			RetryBackoff:       200 * time.Millisecond,
			RetryBackoffMax:    2 * time.Second,
			UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
			RespectRobotsTxt:   true,
			PipelineBufferSize: 512,
			BatchSize:          64,
			OutputFile:         "output/products.json",
			OutputFormat:       "store",
		},
		AI: AIConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			Temperature:  0.2,
			MaxTokens:    800,
			MaxRetries:   3,
			RetryBackoff: time.Second,
			Timeout:      60 * time.Second,
			CacheSize:    1024,
		},
		Database: DatabaseConfig{
			Path: "coffee_data.db",
		},
		Preferences: PreferencesConfig{
			MonthlyBudget:           100,
			BudgetFlexibility:       0.2,
			AffinityWeight:          1.0,
			VarietyWeight:           1.0,
			RoasterSaturationWeight: 1.0,
			OriginSaturationWeight:  0.5,
			RecentWindowDays:        90,
			BudgetFallback:          models.BudgetFallbackError,
			WidenFactor:             1.5,
			Limit:                   5,
		},
	}
}

// Load builds configuration from defaults, an optional YAML file, and
// environment variables, highest priority last. An empty path searches
// DefaultConfigPaths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps COFFEE_PREFERENCES__MONTHLY_BUDGET to
// preferences.monthly_budget.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func findConfigFile() string {
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	for _, r := range c.Roasters {
		if r.Name == "" {
			return fmt.Errorf("roaster name cannot be empty")
		}
		parsed, err := url.Parse(r.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("roaster %s: URL must include a host", r.Name)
		}
	}

	s := c.Scraper
	if s.MaxPages <= 0 {
		return fmt.Errorf("scraper max pages must be positive")
	}
	if s.Parallelism <= 0 {
		return fmt.Errorf("scraper parallelism must be positive")
	}
	if s.Delay < 0 || s.RandomDelay < 0 {
		return fmt.Errorf("scraper delays cannot be negative")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("scraper timeout must be positive")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("scraper max retries cannot be negative")
	}
	if s.RetryBackoff < 0 || s.RetryBackoffMax < 0 {
		return fmt.Errorf("scraper retry backoff cannot be negative")
	}
	if s.RetryBackoffMax > 0 && s.RetryBackoff > s.RetryBackoffMax {
		return fmt.Errorf("scraper retry backoff (%s) cannot exceed retry backoff max (%s)", s.RetryBackoff, s.RetryBackoffMax)
	}
	if s.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if s.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	switch s.OutputFormat {
	case "store", "json", "csv", "dual":
	default:
		return fmt.Errorf("output format must be store, json, csv, or dual")
	}
	if s.OutputFormat != "store" && s.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty for format %s", s.OutputFormat)
	}

	ai := c.AI
	if ai.Endpoint == "" {
		return fmt.Errorf("ai endpoint cannot be empty")
	}
	if ai.Model == "" {
		return fmt.Errorf("ai model cannot be empty")
	}
	if ai.Temperature < 0 || ai.Temperature > 2 {
		return fmt.Errorf("ai temperature must be within [0, 2]")
	}
	if ai.MaxRetries < 0 {
		return fmt.Errorf("ai max retries cannot be negative")
	}
	if ai.Timeout <= 0 {
		return fmt.Errorf("ai timeout must be positive")
	}
	if ai.CacheSize <= 0 {
		return fmt.Errorf("ai cache size must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	p := c.Preferences
	if p.MonthlyBudget <= 0 {
		return fmt.Errorf("monthly budget must be positive")
	}
	if p.BudgetFlexibility < 0 || p.BudgetFlexibility > 1 {
		return fmt.Errorf("budget flexibility must be within [0, 1]")
	}
	if p.RecentWindowDays <= 0 {
		return fmt.Errorf("recent window days must be positive")
	}
	switch p.BudgetFallback {
	case models.BudgetFallbackWiden, models.BudgetFallbackEmpty, models.BudgetFallbackError:
	default:
		return fmt.Errorf("budget fallback must be widen, empty, or error")
	}
	if p.BudgetFallback == models.BudgetFallbackWiden && p.WidenFactor <= 1 {
		return fmt.Errorf("widen factor must exceed 1")
	}
	if p.Limit <= 0 {
		return fmt.Errorf("recommendation limit must be positive")
	}

	return nil
}

// PreferencesValue converts the configured preferences into the
// immutable value consumed by the recommendation engine.
func (c *Config) PreferencesValue() models.Preferences {
	p := c.Preferences
	return models.Preferences{
		MonthlyBudget:           p.MonthlyBudget,
		BudgetFlexibility:       p.BudgetFlexibility,
		FlavorAffinities:        p.FlavorAffinities,
		OriginAffinities:        p.OriginAffinities,
		RoastAffinities:         p.RoastAffinities,
		AffinityWeight:          p.AffinityWeight,
		VarietyWeight:           p.VarietyWeight,
		RoasterSaturationWeight: p.RoasterSaturationWeight,
		OriginSaturationWeight:  p.OriginSaturationWeight,
		RecentWindowDays:        p.RecentWindowDays,
		BudgetFallback:          p.BudgetFallback,
		WidenFactor:             p.WidenFactor,
	}
}

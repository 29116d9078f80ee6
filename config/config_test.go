package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative parallelism",
			mutate: func(cfg *Config) {
				cfg.Scraper.Parallelism = -1
			},
			wantErr: "parallelism",
		},
		{
			name: "zero max pages",
			mutate: func(cfg *Config) {
				cfg.Scraper.MaxPages = 0
			},
			wantErr: "max pages",
		},
		{
			name: "roaster without host",
			mutate: func(cfg *Config) {
				cfg.Roasters = []RoasterConfig{{Name: "proud-mary", URL: "http://"}}
			},
			wantErr: "URL must include a host",
		},
		{
			name: "roaster without name",
			mutate: func(cfg *Config) {
				cfg.Roasters = []RoasterConfig{{URL: "https://example.test"}}
			},
			wantErr: "roaster name",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Scraper.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "bad output format",
			mutate: func(cfg *Config) {
				cfg.Scraper.OutputFormat = "xml"
			},
			wantErr: "output format",
		},
		{
			name: "zero monthly budget",
			mutate: func(cfg *Config) {
				cfg.Preferences.MonthlyBudget = 0
			},
			wantErr: "monthly budget",
		},
		{
			name: "flexibility above one",
			mutate: func(cfg *Config) {
				cfg.Preferences.BudgetFlexibility = 1.5
			},
			wantErr: "budget flexibility",
		},
		{
			name: "unknown budget fallback",
			mutate: func(cfg *Config) {
				cfg.Preferences.BudgetFallback = "retry"
			},
			wantErr: "budget fallback",
		},
		{
			name: "widen factor too small",
			mutate: func(cfg *Config) {
				cfg.Preferences.BudgetFallback = "widen"
				cfg.Preferences.WidenFactor = 1
			},
			wantErr: "widen factor",
		},
		{
			name: "zero limit",
			mutate: func(cfg *Config) {
				cfg.Preferences.Limit = 0
			},
			wantErr: "limit",
		},
		{
			name: "empty ai model",
			mutate: func(cfg *Config) {
				cfg.AI.Model = ""
			},
			wantErr: "ai model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadLayersFileOverEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
roasters:
  - name: proud-mary
    url: https://shop.example.test
preferences:
  monthly_budget: 150
  budget_flexibility: 0.1
  flavor_affinities:
    stone fruit: 1.5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("COFFEE_PREFERENCES__MONTHLY_BUDGET", "200")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if got := cfg.Preferences.MonthlyBudget; got != 200 {
		t.Fatalf("monthly budget = %v, want env override 200", got)
	}
	if got := cfg.Preferences.BudgetFlexibility; got != 0.1 {
		t.Fatalf("budget flexibility = %v, want file value 0.1", got)
	}
	if got := cfg.Preferences.FlavorAffinities["stone fruit"]; got != 1.5 {
		t.Fatalf("flavor affinity = %v, want 1.5", got)
	}
	if len(cfg.Roasters) != 1 || cfg.Roasters[0].Name != "proud-mary" {
		t.Fatalf("unexpected roasters: %+v", cfg.Roasters)
	}
	// Sections the file does not mention keep their defaults.
	if cfg.Scraper.BatchSize != 64 {
		t.Fatalf("batch size = %d, want default 64", cfg.Scraper.BatchSize)
	}
}

func TestPreferencesValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Preferences.MonthlyBudget = 100
	cfg.Preferences.BudgetFlexibility = 0.2

	prefs := cfg.PreferencesValue()
	if got := prefs.MaxPrice(); got != 120 {
		t.Fatalf("max price = %v, want 120", got)
	}
}

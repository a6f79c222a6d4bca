package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Quality.Threshold != 7.0 {
		t.Errorf("threshold = %v", cfg.Quality.Threshold)
	}
	if cfg.Pipeline.MaxRefinementAttempts != 3 {
		t.Errorf("max refinement attempts = %d", cfg.Pipeline.MaxRefinementAttempts)
	}
	if len(cfg.Quality.Weights) != 7 {
		t.Errorf("expected 7 criterion weights, got %d", len(cfg.Quality.Weights))
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template does not parse: %v", err)
	}
	if cfg.Models.Default != "ollama/llama3.1" {
		t.Errorf("default model = %s", cfg.Models.Default)
	}
	if _, ok := cfg.Providers["ollama"]; !ok {
		t.Error("ollama provider missing")
	}
}

func TestParseModelRef(t *testing.T) {
	cases := []struct {
		ref      string
		provider string
		model    string
		wantErr  bool
	}{
		{"openai/gpt-4o-mini", "openai", "gpt-4o-mini", false},
		{"openrouter/meta-llama/llama-3.1-70b-instruct", "openrouter", "meta-llama/llama-3.1-70b-instruct", false},
		{"no-slash", "", "", true},
		{"/model", "", "", true},
		{"provider/", "", "", true},
		{"", "", "", true},
	}
	for _, tc := range cases {
		provider, model, err := ParseModelRef(tc.ref)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.ref, err)
			continue
		}
		if provider != tc.provider || model != tc.model {
			t.Errorf("%q parsed as %s / %s", tc.ref, provider, model)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero poll interval", func(c *Config) { c.Executor.PollIntervalSeconds = 0 }, "poll_interval_seconds"},
		{"zero batch size", func(c *Config) { c.Executor.BatchSize = 0 }, "batch_size"},
		{"negative refinements", func(c *Config) { c.Pipeline.MaxRefinementAttempts = -1 }, "max_refinement_attempts"},
		{"threshold too high", func(c *Config) { c.Quality.Threshold = 10.5 }, "threshold"},
		{"negative weight", func(c *Config) { c.Quality.Weights["title"] = -1 }, "weights"},
		{"no default model", func(c *Config) { c.Models.Default = "" }, "models.default"},
		{"unknown provider", func(c *Config) { c.Models.Default = "missing/model" }, "unknown provider"},
		{"fallback names unknown provider", func(c *Config) {
			c.Models.Fallbacks["draft"] = append(c.Models.Fallbacks["draft"], "missing/model")
		}, "unknown provider"},
		{"provider without endpoint", func(c *Config) {
			c.Providers["broken"] = Provider{}
			c.Models.Default = "broken/model"
		}, "endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Models.Default != "ollama/llama3.1" {
		t.Errorf("default model = %s", cfg.Models.Default)
	}
}

func TestLoadReportsMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "dl init") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	content := strings.Replace(GenerateDefault(), "threshold: 7.0", "threshold: 8.5", 1)
	if err := os.WriteFile(filepath.Join(dir, "draftline.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Quality.Threshold != 8.5 {
		t.Errorf("threshold = %v", cfg.Quality.Threshold)
	}
}

func TestFromYAMLMergesOverDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("pipeline:\n  max_refinement_attempts: 5\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.MaxRefinementAttempts != 5 {
		t.Errorf("max refinement attempts = %d", cfg.Pipeline.MaxRefinementAttempts)
	}
	// untouched sections keep their defaults
	if cfg.Executor.PollIntervalSeconds != 5 {
		t.Errorf("poll interval = %d", cfg.Executor.PollIntervalSeconds)
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models draftline.yml.
type Config struct {
	Executor struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
	} `yaml:"executor"`
	Pipeline struct {
		MaxRefinementAttempts int `yaml:"max_refinement_attempts"`
		DefaultWordCount      int `yaml:"default_word_count"`
	} `yaml:"pipeline"`
	Quality struct {
		Threshold float64            `yaml:"threshold"`
		Weights   map[string]float64 `yaml:"weights"`
	} `yaml:"quality"`
	Models struct {
		Default   string              `yaml:"default"`
		Stages    map[string]string   `yaml:"stages"`
		Fallbacks map[string][]string `yaml:"fallbacks"`
	} `yaml:"models"`
	Providers map[string]Provider `yaml:"providers"`
	Server    struct {
		JWTSecretEnv     string `yaml:"jwt_secret_env"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Provider describes one OpenAI-compatible generation backend.
type Provider struct {
	Endpoint       string `yaml:"endpoint"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ParseModelRef splits a "provider/model" reference. Model names may
// themselves contain slashes, so only the first one separates.
func ParseModelRef(ref string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(ref, "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model reference %q must be provider/model", ref)
	}
	return provider, model, nil
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Executor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.executor.poll_interval_seconds must be positive")
	}
	if c.Executor.BatchSize <= 0 {
		return fmt.Errorf("config.executor.batch_size must be positive")
	}
	if c.Pipeline.MaxRefinementAttempts < 0 {
		return fmt.Errorf("config.pipeline.max_refinement_attempts must not be negative")
	}
	if c.Pipeline.DefaultWordCount <= 0 {
		return fmt.Errorf("config.pipeline.default_word_count must be positive")
	}
	if c.Quality.Threshold < 0 || c.Quality.Threshold > 10 {
		return fmt.Errorf("config.quality.threshold must be within 0..10")
	}
	for name, w := range c.Quality.Weights {
		if w < 0 {
			return fmt.Errorf("config.quality.weights.%s must not be negative", name)
		}
	}
	if c.Models.Default == "" {
		return fmt.Errorf("config.models.default is required")
	}
	refs := []string{c.Models.Default}
	for _, ref := range c.Models.Stages {
		refs = append(refs, ref)
	}
	for _, chain := range c.Models.Fallbacks {
		refs = append(refs, chain...)
	}
	for _, ref := range refs {
		provider, _, err := ParseModelRef(ref)
		if err != nil {
			return err
		}
		if _, ok := c.Providers[provider]; !ok {
			return fmt.Errorf("model reference %s names unknown provider %s", ref, provider)
		}
	}
	for name, p := range c.Providers {
		if p.Endpoint == "" {
			return fmt.Errorf("provider %s has no endpoint", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "draftline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `executor:
  poll_interval_seconds: 5
  batch_size: 10

pipeline:
  max_refinement_attempts: 3
  default_word_count: 1200

quality:
  threshold: 7.0
  weights:
    word_count: 1
    sections: 1
    title: 1
    conclusion: 1
    example: 1
    call_to_action: 1
    relevance: 1

models:
  default: ollama/llama3.1
  stages:
    research: ollama/llama3.1
    outline: ollama/llama3.1
    draft: ollama/llama3.1
  fallbacks:
    research: [openai/gpt-4o-mini]
    outline: [openai/gpt-4o-mini]
    draft: [openai/gpt-4o-mini, openrouter/meta-llama/llama-3.1-70b-instruct]

providers:
  ollama:
    endpoint: http://127.0.0.1:11434/v1
  openai:
    endpoint: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
  openrouter:
    endpoint: https://openrouter.ai/api/v1
    api_key_env: OPENROUTER_API_KEY

server:
  jwt_secret_env: DRAFTLINE_JWT_SECRET
  allow_actor_header: true

log:
  level: info
`

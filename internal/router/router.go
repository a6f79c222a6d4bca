package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"draftline/internal/config"
	"draftline/internal/llm"
)

// Generator is one generation backend. *llm.Client satisfies it; tests
// substitute fakes.
type Generator interface {
	Name() string
	Generate(ctx context.Context, model, system, prompt string) (string, error)
}

// Candidate is a resolved provider/model pair.
type Candidate struct {
	Provider string
	Model    string
}

func (c Candidate) Ref() string { return c.Provider + "/" + c.Model }

// ExhaustedChainError reports that every candidate in a stage's
// fallback chain failed.
type ExhaustedChainError struct {
	Stage string
	Tried []string
	Last  error
}

func (e *ExhaustedChainError) Error() string {
	return fmt.Sprintf("stage %s: all providers exhausted (%s): %v", e.Stage, strings.Join(e.Tried, ", "), e.Last)
}

func (e *ExhaustedChainError) Unwrap() error { return e.Last }

// Router decouples pipeline stages from concrete backends and walks an
// ordered fallback chain on provider failure.
type Router struct {
	cfg     *config.Config
	clients map[string]Generator
}

// New builds a router with one llm client per configured provider.
func New(cfg *config.Config) *Router {
	clients := make(map[string]Generator, len(cfg.Providers))
	for name, p := range cfg.Providers {
		clients[name] = llm.NewClient(name, p)
	}
	return &Router{cfg: cfg, clients: clients}
}

// NewWithClients injects backends directly. Used by tests.
func NewWithClients(cfg *config.Config, clients map[string]Generator) *Router {
	return &Router{cfg: cfg, clients: clients}
}

// Resolve picks the provider/model for a stage. Precedence: the task's
// explicit override for the stage, then its wildcard override, then
// the configured per-stage default, then the global default.
func (r *Router) Resolve(stage string, overrides map[string]string) (Candidate, error) {
	ref := ""
	if overrides != nil {
		if v, ok := overrides[stage]; ok && v != "" {
			ref = v
		} else if v, ok := overrides["*"]; ok && v != "" {
			ref = v
		}
	}
	if ref == "" {
		ref = r.cfg.Models.Stages[stage]
	}
	if ref == "" {
		ref = r.cfg.Models.Default
	}
	provider, model, err := config.ParseModelRef(ref)
	if err != nil {
		return Candidate{}, err
	}
	if _, ok := r.clients[provider]; !ok {
		return Candidate{}, fmt.Errorf("stage %s resolves to unknown provider %s", stage, provider)
	}
	return Candidate{Provider: provider, Model: model}, nil
}

// chain returns the ordered candidates for a stage: the resolved pick
// first, then the configured fallbacks, deduplicated.
func (r *Router) chain(stage string, first Candidate) []Candidate {
	candidates := []Candidate{first}
	seen := map[string]bool{first.Ref(): true}
	for _, ref := range r.cfg.Models.Fallbacks[stage] {
		provider, model, err := config.ParseModelRef(ref)
		if err != nil {
			continue
		}
		c := Candidate{Provider: provider, Model: model}
		if seen[c.Ref()] {
			continue
		}
		if _, ok := r.clients[provider]; !ok {
			continue
		}
		seen[c.Ref()] = true
		candidates = append(candidates, c)
	}
	return candidates
}

// Generate resolves the stage's backend and invokes it, advancing the
// fallback chain on provider errors. It returns the content and the
// candidate that ultimately served the call.
func (r *Router) Generate(ctx context.Context, stage string, overrides map[string]string, system, prompt string) (string, Candidate, error) {
	first, err := r.Resolve(stage, overrides)
	if err != nil {
		return "", Candidate{}, err
	}
	var tried []string
	var last error
	for _, c := range r.chain(stage, first) {
		if ctx.Err() != nil {
			return "", Candidate{}, ctx.Err()
		}
		content, err := r.clients[c.Provider].Generate(ctx, c.Model, system, prompt)
		if err == nil {
			return content, c, nil
		}
		var pe *llm.ProviderError
		if !errors.As(err, &pe) {
			return "", Candidate{}, err
		}
		tried = append(tried, c.Ref())
		last = err
	}
	return "", Candidate{}, &ExhaustedChainError{Stage: stage, Tried: tried, Last: last}
}

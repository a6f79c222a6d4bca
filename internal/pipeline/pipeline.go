package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"draftline/internal/quality"
	"draftline/internal/router"
	"draftline/internal/status"
)

// Pipeline stage names, in execution order.
const (
	StageResearch = "research"
	StageOutline  = "outline"
	StageDraft    = "draft"
	StageAssess   = "assess"
	StageRefine   = "refine"
	StageFinalize = "finalize"
)

// Generator routes a stage's prompt to a backend. *router.Router
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, stage string, overrides map[string]string, system, prompt string) (string, router.Candidate, error)
}

// Request carries one task's generation parameters into the pipeline.
type Request struct {
	Topic           string
	Style           string
	Tone            string
	TargetWordCount int
	ModelOverrides  map[string]string
	// RefinementCount carries the persisted count on retried tasks so
	// the overall bound holds across runs.
	RefinementCount int
	// OnStage, when set, observes stage progress (the executor uses it
	// to persist the task's current stage).
	OnStage func(ctx context.Context, stage string)
}

// Result is the pipeline's conclusive outcome. Status is
// awaiting_approval when the quality gate passed, validation_failed
// when the attempt bound was reached; hard failures are returned as
// errors instead.
type Result struct {
	Status          string
	Draft           string
	Assessment      quality.Assessment
	RefinementCount int
	Metadata        map[string]any
}

// Pipeline drives research, outline, draft, assess, the quality-gated
// refinement loop, and finalize for one claimed task.
type Pipeline struct {
	Router                Generator
	Evaluator             quality.Evaluator
	MaxRefinementAttempts int
	Logger                *slog.Logger
	Now                   func() time.Time
}

func New(r Generator, e quality.Evaluator, maxAttempts int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Router:                r,
		Evaluator:             e,
		MaxRefinementAttempts: maxAttempts,
		Logger:                logger,
		Now:                   time.Now,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func enterStage(ctx context.Context, req Request, stage string) {
	if req.OnStage != nil {
		req.OnStage(ctx, stage)
	}
}

type attemptRecord struct {
	index      int
	model      string
	durationMS int64
	assessment quality.Assessment
	draft      string
}

// Run executes the full stage sequence. A provider failure in
// research, outline or draft aborts with an error; a failed quality
// gate never does.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	metadata := map[string]any{}
	stageMeta := map[string]any{}
	metadata["stages"] = stageMeta

	enterStage(ctx, req, StageResearch)
	research, err := p.generate(ctx, StageResearch, req.ModelOverrides, researchPrompt(req), stageMeta)
	if err != nil {
		return Result{}, fmt.Errorf("research: %w", err)
	}

	enterStage(ctx, req, StageOutline)
	outline, err := p.generate(ctx, StageOutline, req.ModelOverrides, outlinePrompt(req, research), stageMeta)
	if err != nil {
		return Result{}, fmt.Errorf("outline: %w", err)
	}

	target := quality.Target{Topic: req.Topic, WordCount: req.TargetWordCount}
	count := req.RefinementCount
	var attempts []attemptRecord
	var best *attemptRecord

	for {
		stage := StageDraft
		prompt := draftPrompt(req, outline)
		if len(attempts) > 0 {
			stage = StageRefine
			prev := attempts[len(attempts)-1]
			prompt = refinePrompt(req, prev.draft, prev.assessment.Feedback)
		}
		enterStage(ctx, req, stage)

		started := p.now()
		// refinement attempts route through the draft stage's backends
		draft, used, err := p.Router.Generate(ctx, StageDraft, req.ModelOverrides, systemPrompt, prompt)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", stage, err)
		}

		enterStage(ctx, req, StageAssess)
		assessment := p.Evaluator.Assess(draft, target)
		attempt := attemptRecord{
			index:      len(attempts),
			model:      used.Ref(),
			durationMS: p.now().Sub(started).Milliseconds(),
			assessment: assessment,
			draft:      draft,
		}
		attempts = append(attempts, attempt)
		// ties keep the earliest attempt
		if best == nil || attempt.assessment.OverallScore > best.assessment.OverallScore {
			best = &attempts[len(attempts)-1]
		}
		p.Logger.Debug("assessed draft",
			"attempt", attempt.index,
			"score", assessment.OverallScore,
			"passing", assessment.Passing,
			"model", attempt.model)

		if assessment.Passing {
			break
		}
		if count >= p.MaxRefinementAttempts {
			break
		}
		count++
	}

	enterStage(ctx, req, StageFinalize)
	attemptMeta := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		attemptMeta = append(attemptMeta, map[string]any{
			"index":       a.index,
			"model":       a.model,
			"duration_ms": a.durationMS,
			"assessment":  a.assessment,
		})
	}
	metadata["attempts"] = attemptMeta
	metadata["best_attempt"] = best.index

	resultStatus := status.AwaitingApproval
	if !best.assessment.Passing {
		resultStatus = status.ValidationFailed
	}
	return Result{
		Status:          resultStatus,
		Draft:           best.draft,
		Assessment:      best.assessment,
		RefinementCount: count,
		Metadata:        metadata,
	}, nil
}

func (p *Pipeline) generate(ctx context.Context, stage string, overrides map[string]string, prompt string, stageMeta map[string]any) (string, error) {
	started := p.now()
	content, used, err := p.Router.Generate(ctx, stage, overrides, systemPrompt, prompt)
	if err != nil {
		return "", err
	}
	stageMeta[stage] = map[string]any{
		"model":       used.Ref(),
		"duration_ms": p.now().Sub(started).Milliseconds(),
	}
	return content, nil
}

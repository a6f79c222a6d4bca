package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"draftline/internal/domain"
	"draftline/internal/pipeline"
	"draftline/internal/status"
	"draftline/internal/store"
)

// Runner is the content pipeline as the executor sees it.
// *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Executor drives tasks from pending to awaiting_approval or a
// terminal state. Multiple executors may run against the same store;
// the validator-gated claim transition keeps each task on exactly one
// of them.
type Executor struct {
	Store                 store.Store
	Pipeline              Runner
	Interval              time.Duration
	BatchSize             int
	MaxRefinementAttempts int
	Actor                 string
	Logger                *slog.Logger
}

func New(s store.Store, p Runner, interval time.Duration, batchSize, maxAttempts int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Executor{
		Store:                 s,
		Pipeline:              p,
		Interval:              interval,
		BatchSize:             batchSize,
		MaxRefinementAttempts: maxAttempts,
		Actor:                 "executor",
		Logger:                logger,
	}
}

// Run polls until the context is canceled. A failing poll cycle is
// logged and retried on the next interval; it never stops the loop.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	e.Logger.Info("executor started", "interval", e.Interval, "batch_size", e.BatchSize)
	for {
		if err := e.PollOnce(ctx); err != nil {
			e.Logger.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.Logger.Info("executor stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce fetches one batch of actionable tasks and processes them.
func (e *Executor) PollOnce(ctx context.Context) error {
	tasks, err := e.Store.PendingTasks(ctx, e.BatchSize, e.MaxRefinementAttempts)
	if err != nil {
		return fmt.Errorf("poll pending tasks: %w", err)
	}
	e.Logger.Debug("poll cycle", "actionable", len(tasks))
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.process(ctx, t)
	}
	return nil
}

// process claims one task and drives it through the pipeline. Every
// outcome, including panics, becomes a status transition; a single
// task never takes the poll loop down.
func (e *Executor) process(ctx context.Context, t domain.Task) {
	claimed, err := e.Store.UpdateStatus(ctx, t.ID, status.Processing, store.UpdateStatusOptions{
		Actor:  e.Actor,
		Reason: "claimed for processing",
	})
	if err != nil {
		var ite *status.InvalidTransitionError
		if errors.As(err, &ite) {
			// another executor claimed it first
			e.Logger.Debug("claim lost", "task", t.ID)
			return
		}
		e.Logger.Error("claim failed", "task", t.ID, "error", err)
		return
	}
	e.execute(ctx, claimed)
}

// Retry reclaims a validation_failed task with a fresh refinement
// budget and runs it synchronously.
func (e *Executor) Retry(ctx context.Context, id string) (domain.Task, error) {
	zero := 0
	claimed, err := e.Store.UpdateStatus(ctx, id, status.Processing, store.UpdateStatusOptions{
		Actor:           e.Actor,
		Reason:          "manual retry",
		RefinementCount: &zero,
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.execute(ctx, claimed)
	return e.Store.GetTask(ctx, id)
}

func (e *Executor) execute(ctx context.Context, claimed domain.Task) {
	e.Logger.Info("processing task", "task", claimed.ID, "topic", claimed.Topic)

	result, err := e.runPipeline(ctx, claimed)
	if err != nil {
		e.Logger.Error("pipeline failed", "task", claimed.ID, "error", err)
		if _, uerr := e.Store.UpdateStatus(ctx, claimed.ID, status.Failed, store.UpdateStatusOptions{
			Actor:    e.Actor,
			Reason:   err.Error(),
			Metadata: map[string]any{"error": err.Error()},
		}); uerr != nil {
			e.Logger.Error("record failure", "task", claimed.ID, "error", uerr)
		}
		return
	}

	reason := "quality gate passed"
	if result.Status == status.ValidationFailed {
		reason = fmt.Sprintf("quality gate not met after %d refinement attempts (best score %.1f)",
			result.RefinementCount, result.Assessment.OverallScore)
	}
	finalize := pipeline.StageFinalize
	if _, err := e.Store.UpdateStatus(ctx, claimed.ID, result.Status, store.UpdateStatusOptions{
		Actor:           e.Actor,
		Reason:          reason,
		Metadata:        result.Metadata,
		Draft:           &result.Draft,
		QualityScore:    &result.Assessment.OverallScore,
		RefinementCount: &result.RefinementCount,
		Stage:           &finalize,
	}); err != nil {
		e.Logger.Error("record result", "task", claimed.ID, "error", err)
		return
	}
	e.Logger.Info("task finished", "task", claimed.ID, "status", result.Status, "score", result.Assessment.OverallScore)
}

// runPipeline isolates the pipeline call so a panic in any stage is
// converted into an error instead of crashing the poll loop.
func (e *Executor) runPipeline(ctx context.Context, t domain.Task) (result pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	req := pipeline.Request{
		Topic:           t.Topic,
		Style:           t.Style,
		Tone:            t.Tone,
		TargetWordCount: t.TargetWordCount,
		ModelOverrides:  t.ModelOverrides,
		RefinementCount: t.RefinementCount,
		OnStage: func(ctx context.Context, stage string) {
			if serr := e.Store.SetStage(ctx, t.ID, stage); serr != nil {
				e.Logger.Warn("record stage", "task", t.ID, "stage", stage, "error", serr)
			}
		},
	}
	return e.Pipeline.Run(ctx, req)
}

package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/executor"
	"draftline/internal/logging"
	"draftline/internal/migrate"
	"draftline/internal/pipeline"
	"draftline/internal/quality"
	"draftline/internal/router"
	"draftline/internal/store"
)

// Components bundles the core, constructed in dependency order: store
// first, then router/evaluator/pipeline, then the executor. Nothing
// starts polling before everything it needs exists.
type Components struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Store     store.Store
	Router    *router.Router
	Evaluator quality.Evaluator
	Pipeline  *pipeline.Pipeline
	Executor  *executor.Executor
}

// Build opens the workspace database, runs migrations and wires the
// components.
func Build(workspace string) (*Components, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level)

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	st := store.New(conn)
	rt := router.New(cfg)
	ev := quality.NewEvaluator(cfg.Quality.Threshold, cfg.Quality.Weights)
	pl := pipeline.New(rt, ev, cfg.Pipeline.MaxRefinementAttempts, logger)
	ex := executor.New(st, pl,
		time.Duration(cfg.Executor.PollIntervalSeconds)*time.Second,
		cfg.Executor.BatchSize,
		cfg.Pipeline.MaxRefinementAttempts,
		logger)

	return &Components{
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Store:     st,
		Router:    rt,
		Evaluator: ev,
		Pipeline:  pl,
		Executor:  ex,
	}, nil
}

func (c *Components) Close() error {
	return c.DB.Close()
}

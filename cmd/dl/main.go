package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"draftline/internal/app"
	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/migrate"
	"draftline/internal/server"
	"draftline/internal/status"
	"draftline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Draftline CLI",
	Long: `Draftline turns content requests into reviewed drafts.
- Workspace: your .draftline directory holding the task database; draftline.yml next to it configures models and quality gates.
- Tasks: one row per requested piece of content; statuses go pending -> processing -> awaiting_approval -> published (rejected/failed are exits, validation_failed can retry).
- Pipeline: research, outline, draft, assess, refine; drafts below the quality threshold are refined up to the configured attempt budget.
- Audit trail: every status change is recorded; view with 'dl task history'.
- Run 'dl run' to process tasks, 'dl serve' for the HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRAFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace with a default draftline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Workspace initialized: %s, %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage content tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskRetryCmd())
	task.AddCommand(taskHistoryCmd())
	task.AddCommand(taskFailedCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var topic, style, tone string
	var words int
	var overrides []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a content task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, cfg *config.Config) error {
				if words <= 0 {
					words = cfg.Pipeline.DefaultWordCount
				}
				mo, err := parseOverrides(overrides)
				if err != nil {
					return err
				}
				t, err := s.CreateTask(ctx, store.CreateTaskOptions{
					Topic:           topic,
					Style:           style,
					Tone:            tone,
					TargetWordCount: words,
					ModelOverrides:  mo,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "what the content is about")
	cmd.Flags().StringVar(&style, "style", "", "writing style")
	cmd.Flags().StringVar(&tone, "tone", "", "writing tone")
	cmd.Flags().IntVar(&words, "words", 0, "target word count (defaults from config)")
	cmd.Flags().StringArrayVar(&overrides, "model", []string{}, "stage=provider/model override (repeatable, stage * applies to all)")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f store.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, _ *config.Config) error {
				tasks, err := s.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Topic", "Status", "Stage", "Score", "Refinements"})
				for _, t := range tasks {
					stage := ""
					if t.Stage != nil {
						stage = *t.Stage
					}
					score := ""
					if t.QualityScore != nil {
						score = fmt.Sprintf("%.1f", *t.QualityScore)
					}
					tw.AppendRow(table.Row{t.ID, t.Topic, t.Status, stage, score, t.RefinementCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, _ *config.Config) error {
				t, err := s.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Publish an awaiting_approval task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, _ *config.Config) error {
				t, err := s.UpdateStatus(ctx, args[0], status.Published, store.UpdateStatusOptions{
					Actor:  viper.GetString("actor-id"),
					Reason: reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "approval note")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject an awaiting_approval task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, _ *config.Config) error {
				t, err := s.UpdateStatus(ctx, args[0], status.Rejected, store.UpdateStatusOptions{
					Actor:  viper.GetString("actor-id"),
					Reason: reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection note")
	return cmd
}

func taskRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Rerun a validation_failed task with a fresh refinement budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.Build(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer c.Close()
			c.Executor.Actor = viper.GetString("actor-id")
			t, err := c.Executor.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show a task's status audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, _ *config.Config) error {
				if _, err := s.GetTask(ctx, args[0]); err != nil {
					return err
				}
				entries, err := s.StatusHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Reason"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Timestamp, e.PreviousStatus, e.NewStatus, e.Actor, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskFailedCmd() *cobra.Command {
	var f store.FailureFilters
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List recent validation and execution failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, _ *config.Config) error {
				entries, err := s.FailedValidations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Task", "Status", "Reason"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Timestamp, e.TaskID, e.NewStatus, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max rows")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store, _ *config.Config) error {
				counts, err := s.CountByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range status.All {
					tw.AppendRow(table.Row{st, counts[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.Build(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if once {
				return c.Executor.PollOnce(ctx)
			}
			if err := c.Executor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withExecutor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.Build(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer c.Close()
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv(c.Config.Server.JWTSecretEnv),
				AllowActorHeader: c.Config.Server.AllowActorHeader,
				Logger:           c.Logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("%s is required for bearer auth", c.Config.Server.JWTSecretEnv)
			}
			handler, err := server.New(server.Config{
				Store:            c.Store,
				DefaultWordCount: c.Config.Pipeline.DefaultWordCount,
				BasePath:         basePath,
				Auth:             authCfg,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if withExecutor {
				go c.Executor.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Draftline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withExecutor, "with-executor", false, "also run the task executor")
	return cmd
}

// --- helpers ---

func withStore(ctx context.Context, fn func(context.Context, store.Store, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn), cfg)
}

func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		stage, ref, ok := strings.Cut(p, "=")
		if !ok || stage == "" || ref == "" {
			return nil, fmt.Errorf("model override %q must be stage=provider/model", p)
		}
		if _, _, err := config.ParseModelRef(ref); err != nil {
			return nil, err
		}
		out[stage] = ref
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}


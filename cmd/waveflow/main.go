package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/waveflow/internal/definition"
	"github.com/rendis/waveflow/internal/diagram"
	"github.com/rendis/waveflow/internal/scheduler"
	"github.com/rendis/waveflow/pkg/mcp"
	"github.com/rendis/waveflow/pkg/schema"
)

var (
	configPath string
	dbPath     string
	logLevel   string
	noPersist  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "waveflow",
		Short:         "Run dependency-driven workflows in parallel waves",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to settings.json (default ~/.waveflow/settings.json)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "Database path, overrides config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&noPersist, "no-persist", false, "Do not record runs in the database")

	root.AddCommand(newRunCmd(), newValidateCmd(), newPlanCmd(), newServeCmd(), newVersionCmd())
	return root
}

func resolveConfig() Config {
	cfg := loadConfig(configPath)
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if noPersist {
		cfg.Persist = false
	}
	return cfg
}

func newRunCmd() *cobra.Command {
	var (
		sets    []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a workflow file and print its final context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := parseSets(sets)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			cfg := resolveConfig()
			a, err := newApp(ctx, cfg, cfg.Persist)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			run, err := a.manager.LaunchFile(args[0], "cli", seed)
			if err != nil {
				return err
			}

			finalCtx, runErr := run.Wait(ctx)
			if ctx.Err() != nil {
				run.Workflow.Stop()
			}
			state := run.Workflow.State()

			if err := writeJSON(cmd.OutOrStdout(), finalCtx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %d completed, %d failed, %d skipped in %s\n",
				state.Name, state.Status, len(state.Completed), len(state.Failed), len(state.Skipped),
				state.Duration.Round(time.Millisecond))

			if runErr != nil {
				return runErr
			}
			if state.IsFailed {
				return fmt.Errorf("workflow %s finished with failed steps: %s", state.Name, strings.Join(state.Failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Seed a context entry, key=value (value parsed as YAML)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop waiting after this long")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var printDef bool
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(), false)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			def, err := a.loader.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range a.loader.Validate(def).Warnings {
				fmt.Fprintf(out, "warning: %s: %s\n", w.Path, w.Message)
			}
			if printDef {
				data, err := def.MarshalIndent()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "%s: ok (%d steps)\n", def.Name, len(def.Steps))
			return nil
		},
	}
	cmd.Flags().BoolVar(&printDef, "print", false, "Print the normalized definition as JSON")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Print the execution waves of a workflow file",
		Long:  "Print the execution waves of a workflow file. --format draws them as ascii, mermaid or png instead.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), resolveConfig(), false)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			def, err := a.loader.Load(args[0])
			if err != nil {
				return err
			}
			if format != "" {
				return drawPlan(cmd, def, format, out)
			}

			bp, err := definition.Build(def, a.registry)
			if err != nil {
				return err
			}
			waves, err := bp.Plan()
			if err != nil {
				return err
			}
			printWaves(cmd.OutOrStdout(), def.Name, waves)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Draw the plan: "+strings.Join(diagram.Formats, ", "))
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the drawing to a file (required for png)")
	return cmd
}

func drawPlan(cmd *cobra.Command, def *schema.WorkflowDefinition, format, out string) error {
	if format == diagram.FormatPNG && out == "" {
		return schema.NewError(schema.ErrCodeValidation, "--format png needs --out")
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		return err
	}
	data, err := diagram.Render(cmd.Context(), model, format)
	if err != nil {
		return err
	}
	if out != "" {
		return os.WriteFile(out, data, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio and run configured schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := resolveConfig()
			a, err := newApp(ctx, cfg, cfg.Persist)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.close(shutdownCtx)
			}()

			var sched *scheduler.Scheduler
			if cfg.SchedulesFile != "" {
				jobs, err := scheduler.LoadJobs(cfg.SchedulesFile)
				if err != nil {
					return err
				}
				sched, err = scheduler.NewScheduler(jobs, a.manager, a.logger)
				if err != nil {
					return err
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer func() { _ = sched.Stop() }()
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Manager:   a.manager,
				Registry:  a.registry,
				Store:     a.store,
				Hub:       a.hub,
				Scheduler: sched,
				Logger:    a.logger,
				Version:   version,
			})
			a.logger.Info("mcp server listening on stdio")
			if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			printVersion()
		},
	}
}

// parseSets turns key=value pairs into a context seed. Values are decoded
// as YAML so numbers, booleans and lists keep their type.
func parseSets(sets []string) (map[string]any, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	seed := make(map[string]any, len(sets))
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid --set %q, want key=value", kv)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		seed[key] = v
	}
	return seed, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printWaves(w io.Writer, name string, waves [][]string) {
	fmt.Fprintf(w, "%s: %d waves\n", name, len(waves))
	for i, wave := range waves {
		fmt.Fprintf(w, "  %d: %s\n", i+1, strings.Join(wave, ", "))
	}
}

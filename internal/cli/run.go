package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/floe-run/floe/internal/config"
	"github.com/floe-run/floe/internal/model"
	"github.com/floe-run/floe/internal/scheduler"
	"github.com/floe-run/floe/internal/store"
	"github.com/floe-run/floe/internal/workflow"
)

// runFlags holds one invocation's flag values.
type runFlags struct {
	backend     string
	concurrency int
	timeout     time.Duration
	quiet       bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow file and wait for it to finish",
		Long: `Execute the task graph in a YAML workflow file and block until every task
reaches a terminal state. The exit code is 0 only when the whole run
succeeded.`,
		Example: `  # Run on the default backend
  floe run pipeline.yaml

  # Run on a specific backend
  floe run --backend s3transfer pipeline.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVarP(&flags.backend, "backend", "b", "", "task backend (default from FLOE_BACKEND)")
	cmd.Flags().IntVarP(&flags.concurrency, "concurrency", "c", 0, "max tasks in flight (default from FLOE_MAX_CONCURRENCY)")
	cmd.Flags().DurationVarP(&flags.timeout, "timeout", "t", 0, "per-task timeout (default from FLOE_TASK_TIMEOUT)")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "suppress the result summary")

	return cmd
}

func runWorkflow(cmd *cobra.Command, workflowPath string, flags runFlags) error {
	cfg := config.Load()
	if flags.backend != "" {
		cfg.Backend = flags.backend
	}
	if flags.concurrency > 0 {
		cfg.MaxConcurrency = flags.concurrency
	}
	if flags.timeout > 0 {
		cfg.TaskTimeout = flags.timeout
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	def, err := workflow.ParseFile(workflowPath)
	if err != nil {
		return err
	}
	g, err := workflow.Build(def)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "canceling run...")
		cancel()
	}()

	reg, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	exec, err := reg.Resolve(cfg.Backend)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sched := scheduler.New(db, logger, scheduler.Options{
		MaxConcurrency:     cfg.MaxConcurrency,
		DefaultTaskTimeout: cfg.TaskTimeout,
		WorkdirRoot:        cfg.WorkdirRoot,
	})

	run := &model.Run{
		ID:        model.NewID(),
		Workflow:  g.Name,
		Backend:   cfg.Backend,
		Status:    model.RunPending,
		CreatedAt: time.Now().UTC(),
	}

	result, err := sched.Execute(ctx, run, g, exec)
	if err != nil {
		return err
	}

	if !flags.quiet {
		printResult(result)
	}
	if !result.Succeeded() {
		return fmt.Errorf("run %s %s", result.RunID, result.Status)
	}
	return nil
}

func printResult(result *model.RunResult) {
	fmt.Printf("run %s (%s): %s\n", result.RunID, result.Workflow, result.Status)
	for _, task := range result.Tasks {
		line := fmt.Sprintf("  %-20s %s", task.TaskID, task.State)
		if task.State == model.TaskFailed && task.Error != "" {
			line += "  " + task.Error
		}
		if task.DurationMS > 0 {
			line += fmt.Sprintf("  (%dms)", task.DurationMS)
		}
		fmt.Println(line)
	}

	if len(result.Outputs) > 0 {
		fmt.Println("outputs:")
		keys := make([]string, 0, len(result.Outputs))
		for k := range result.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s -> %s\n", k, result.Outputs[k])
		}
	}
}

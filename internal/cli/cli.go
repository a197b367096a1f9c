package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	internal_http "github.com/stojanov/taskrun/internal/http"
	"github.com/stojanov/taskrun/internal/log"
	internal_storage "github.com/stojanov/taskrun/internal/storage"
	"github.com/stojanov/taskrun/pkg/engine"
	"github.com/stojanov/taskrun/pkg/models"
	"github.com/stojanov/taskrun/pkg/storage"
)

const pollInterval = 200 * time.Millisecond

func SetupCLI(rootCmd *cobra.Command) {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow file to completion",
		Run: func(cmd *cobra.Command, args []string) {
			file, _ := cmd.Flags().GetString("file")
			workers, _ := cmd.Flags().GetInt("workers")
			propagate, _ := cmd.Flags().GetBool("propagate-failure")
			metricsOut, _ := cmd.Flags().GetString("metrics-out")
			dbConnStr, _ := cmd.Flags().GetString("db")
			runWorkflow(file, workers, propagate, metricsOut, dbConnStr)
		},
	}
	runCmd.Flags().StringP("file", "f", "", "Workflow YAML file (required)")
	runCmd.Flags().Int("workers", engine.DefaultWorkers, "Worker pool size")
	runCmd.Flags().Bool("propagate-failure", false, "Skip dependents of failed tasks instead of dispatching them")
	runCmd.Flags().String("metrics-out", "", "Write the metric export to this file after the run")
	runCmd.Flags().String("db", "", "Postgres connection string for archiving the execution (optional)")
	_ = runCmd.MarkFlagRequired("file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution status API",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			workers, _ := cmd.Flags().GetInt("workers")
			files, _ := cmd.Flags().GetStringArray("file")
			serve(port, workers, files)
		},
	}
	serveCmd.Flags().String("port", "8080", "Listen port")
	serveCmd.Flags().Int("workers", engine.DefaultWorkers, "Worker pool size")
	serveCmd.Flags().StringArrayP("file", "f", nil, "Workflow YAML file to define (repeatable)")

	opsCmd := &cobra.Command{
		Use:   "ops",
		Short: "List built-in operations",
		Run: func(cmd *cobra.Command, args []string) {
			logger := log.GetLogger()
			registry := engine.NewOperationRegistry(logger)
			if err := RegisterBuiltins(registry); err != nil {
				logger.Errorf("Failed to register built-in operations: %v", err)
				os.Exit(1)
			}
			for _, name := range registry.Names() {
				fmt.Fprintln(os.Stdout, name)
			}
		},
	}

	rootCmd.AddCommand(runCmd, serveCmd, opsCmd)
}

func runWorkflow(file string, workers int, propagate bool, metricsOut, dbConnStr string) {
	logger := log.GetLogger()

	name, specs, err := LoadWorkflowFile(file)
	if err != nil {
		logger.Errorf("Failed to load workflow file: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	registry := engine.NewOperationRegistry(logger)
	if err := RegisterBuiltins(registry); err != nil {
		logger.Errorf("Failed to register built-in operations: %v", err)
		os.Exit(1)
	}
	defs := engine.NewDefinitionStore(logger)
	if err := defs.Define(name, specs); err != nil {
		logger.Errorf("Invalid workflow: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := engine.Config{Workers: workers, PropagateFailure: propagate}
	var archive storage.Store
	if dbConnStr != "" {
		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			logger.Errorf("Failed to initialize archive store: %v", err)
			os.Exit(1)
		}
		defer store.Close()
		archive = store
		cfg.Archive = store
	}

	metrics := engine.NewMetricRecorder(logger)
	scheduler := engine.NewScheduler(context.Background(), cfg, registry, defs, logger)
	defer scheduler.Stop()

	execID, err := scheduler.Start(name)
	if err != nil {
		logger.Errorf("Failed to start execution: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Started execution %s\n", execID)

	snapshot := awaitTerminal(scheduler, execID)
	printSummary(snapshot)
	recordRunMetrics(metrics, snapshot)
	if archive != nil {
		if err := persistMetrics(archive, metrics); err != nil {
			logger.Errorf("Failed to persist run metrics: %v", err)
		}
	}

	if metricsOut != "" {
		if err := metrics.ExportFile(metricsOut); err != nil {
			logger.Errorf("Failed to export metrics: %v", err)
		}
	}
	if snapshot.Status != models.CompletedExecutionStatus {
		os.Exit(1)
	}
}

func awaitTerminal(scheduler *engine.Scheduler, execID string) *models.Execution {
	for {
		snapshot, err := scheduler.Status(execID)
		if err != nil {
			log.GetLogger().Errorf("Failed to read execution status: %v", err)
			os.Exit(1)
		}
		if snapshot.Status.Terminal() {
			return snapshot
		}
		time.Sleep(pollInterval)
	}
}

func printSummary(snapshot *models.Execution) {
	fmt.Fprintf(os.Stdout, "Execution %s finished with status %s in %s\n", snapshot.ID, snapshot.Status, snapshot.Duration())
	for _, t := range snapshot.Tasks {
		line := fmt.Sprintf("- %s: %s", t.ID, t.Status)
		if t.Status == models.CompletedTaskStatus && t.Result != nil {
			line += fmt.Sprintf(" (result: %v)", t.Result)
		}
		if t.ErrorMsg != "" {
			line += fmt.Sprintf(" (error: %s)", t.ErrorMsg)
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func recordRunMetrics(metrics *engine.MetricRecorder, snapshot *models.Execution) {
	var completedTasks, failedTasks int
	for _, t := range snapshot.Tasks {
		switch t.Status {
		case models.CompletedTaskStatus:
			completedTasks++
		case models.FailedTaskStatus:
			failedTasks++
		}
	}
	meta := map[string]any{"execution_id": snapshot.ID, "workflow": snapshot.Workflow}
	metrics.Record("execution_duration_seconds", snapshot.Duration().Seconds(), meta)
	metrics.Record("tasks_completed", completedTasks, meta)
	metrics.Record("tasks_failed", failedTasks, meta)
}

// persistMetrics writes the recorded samples to the archive store so run
// history survives the process.
func persistMetrics(store storage.Store, metrics *engine.MetricRecorder) error {
	for name, samples := range metrics.Export() {
		for _, sample := range samples {
			if err := store.SaveMetricSample(name, sample); err != nil {
				return err
			}
		}
	}
	return nil
}

func serve(port string, workers int, files []string) {
	logger := log.GetLogger()

	registry := engine.NewOperationRegistry(logger)
	if err := RegisterBuiltins(registry); err != nil {
		logger.Errorf("Failed to register built-in operations: %v", err)
		os.Exit(1)
	}
	defs := engine.NewDefinitionStore(logger)
	for _, file := range files {
		name, specs, err := LoadWorkflowFile(file)
		if err != nil {
			logger.Errorf("Failed to load workflow file %s: %v", file, err)
			os.Exit(1)
		}
		if err := defs.Define(name, specs); err != nil {
			logger.Errorf("Invalid workflow in %s: %v", file, err)
			os.Exit(1)
		}
	}

	metrics := engine.NewMetricRecorder(logger)
	scheduler := engine.NewScheduler(context.Background(), engine.Config{Workers: workers}, registry, defs, logger)
	defer scheduler.Stop()

	if err := internal_http.StartServer(port, scheduler, defs, metrics); err != nil {
		logger.Errorf("Server failed: %v", err)
		os.Exit(1)
	}
}

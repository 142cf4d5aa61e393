package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devloop/internal/config"
	"devloop/internal/protocol"
	"devloop/internal/scheduler"
	"devloop/internal/task"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var graph graphFlags
	var dryRun bool
	var dir string

	cmd := &cobra.Command{
		Use:   "run [flags] <command>...",
		Short: "Run commands or a task file once",
		Example: `  devloop run "npm run lint" "npm test"
  devloop run --par --max 2 "make css" "make js"
  devloop run -i devloop.yml --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, file, err := graph.buildTree(args)
			if err != nil {
				return err
			}
			if dryRun {
				_, err := io.WriteString(cmd.OutOrStdout(), tree.Render()+"\n")
				return err
			}

			settings, err := ctx.loadSettings(cmd)
			if err != nil {
				return err
			}
			workDir, err := config.WorkingDir(dir)
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			signals := make(chan os.Signal, 2)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signals)

			app := newApp(runCtx, settings, ctx.stdout, ctx.stderr, workDir)
			interrupts := watchShutdownSignals(app.logger, cancel, signals)
			defer interrupts.Stop()

			if file != nil {
				app.publisher.Publish(protocol.NewInputAccepted(file.Path))
			}
			report := app.scheduler.Run(runCtx, tree, scheduler.ExecTrigger())

			shutdown := newShutdownCoordinator(app.logger)
			shutdown.Add("processes", app.stopProcesses)
			shutdown.Add("bus", app.closeBus)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.supervisor.Grace()+time.Second)
			defer shutdownCancel()
			if err := shutdown.Run(shutdownCtx); err != nil {
				app.logger.Warn("shutdown incomplete", map[string]string{"error": err.Error()})
			}

			// A termination request ends with the graceful sequence and status 0.
			if report.State == task.StateCancelled && interrupts.Received() {
				return nil
			}
			if !report.Succeeded() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	graph.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the task tree with node ids instead of running it")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for commands (default: current directory)")
	return cmd
}

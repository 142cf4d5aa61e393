package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devloop/internal/config"
	"devloop/internal/dispatch"
	"devloop/internal/livereload"
	"devloop/internal/protocol"
	"devloop/internal/scheduler"
	"devloop/internal/task"
	"devloop/internal/watcher"
)

const (
	bridgeServerName  = "livereload"
	readHeaderTimeout = 5 * time.Second
)

type watchFlags struct {
	graph      graphFlags
	commands   []string
	initialRun bool
	dir        string
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var flags watchFlags

	cmd := &cobra.Command{
		Use:   "watch [flags] [path]...",
		Short: "Watch paths, re-run tasks on change and live-reload browsers",
		Example: `  devloop watch src --run "make build"
  devloop watch -i devloop.yml
  devloop watch public --no-server --debounce 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, ctx, flags, args)
		},
	}
	flags.graph.register(cmd)
	cmd.Flags().StringArrayVarP(&flags.commands, "run", "r", nil, "Command to run after each batch (repeatable)")
	cmd.Flags().BoolVar(&flags.initialRun, "initial-run", false, "Run the tasks once before the first change")
	cmd.Flags().StringVar(&flags.dir, "dir", "", "Working directory for commands (default: current directory)")
	cmd.Flags().Int("debounce", 0, "Debounce window in milliseconds")
	cmd.Flags().StringSlice("ignore", nil, "Additional ignore globs")
	cmd.Flags().Bool("no-default-ignores", false, "Do not ignore VCS, dependency and editor files")
	cmd.Flags().String("host", "", "Live-reload server host")
	cmd.Flags().Int("port", 0, "Live-reload server port")
	cmd.Flags().String("client-log-level", "", "Browser console level: error, info, debug or trace")
	cmd.Flags().Bool("no-server", false, "Do not start the live-reload server")
	return cmd
}

func runWatch(cmd *cobra.Command, ctx *commandContext, flags watchFlags, args []string) error {
	var tree *task.Tree
	var file *config.TaskFile
	if flags.graph.input != "" || len(flags.commands) > 0 {
		var err error
		tree, file, err = flags.graph.buildTree(flags.commands)
		if err != nil {
			return err
		}
	}

	layer := make(map[string]any)
	paths := args
	initialRun := flags.initialRun
	if file != nil {
		if len(paths) == 0 {
			paths = fileWatchPaths(file)
		}
		if file.Watch.DebounceMs > 0 {
			layer["watch.debounce-ms"] = file.Watch.DebounceMs
		}
		if len(file.Watch.Ignore) > 0 {
			layer["watch.ignore"] = file.Watch.Ignore
		}
		initialRun = initialRun || file.Watch.InitialRun
	}
	if len(paths) == 0 {
		paths = []string{"."}
	}

	settings, err := ctx.loadSettings(cmd, layer)
	if err != nil {
		return err
	}
	paths, err = config.WatchPaths(paths)
	if err != nil {
		return err
	}
	workDir, err := config.WorkingDir(flags.dir)
	if err != nil {
		return err
	}
	lock, err := acquireProjectLock(workDir)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	app := newApp(watchCtx, settings, ctx.stdout, ctx.stderr, workDir)
	interrupts := watchShutdownSignals(app.logger, cancel, signals)
	defer interrupts.Stop()

	var (
		trigger        *scheduler.TriggerHandler
		fsWatcher      *watcher.Watcher
		subscriptions  []*dispatch.Subscription
		servers        []ManagedServer
		serversStarted bool
	)
	serversStop, stopServers := context.WithCancel(context.Background())
	defer stopServers()
	runnerDone := make(chan *serverError, 1)

	shutdown := newShutdownCoordinator(app.logger)
	shutdown.Add("trigger", func(ctx context.Context) error {
		if trigger == nil {
			return nil
		}
		return trigger.Close(ctx)
	})
	shutdown.Add("watcher", func(context.Context) error {
		if fsWatcher == nil {
			return nil
		}
		return fsWatcher.Close()
	})
	shutdown.Add("processes", app.stopProcesses)
	shutdown.Add("servers", func(ctx context.Context) error {
		stopServers()
		if !serversStarted {
			return nil
		}
		select {
		case <-runnerDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Add("subscriptions", func(context.Context) error {
		for _, subscription := range subscriptions {
			subscription.Close()
		}
		return nil
	})
	shutdown.Add("bus", app.closeBus)
	shutdown.Add("lock", func(context.Context) error {
		return lock.Release()
	})
	runShutdown := func() error {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.supervisor.Grace()+httpServerShutdownTimeout)
		defer shutdownCancel()
		return shutdown.Run(shutdownCtx)
	}
	abort := func(err error) error {
		if shutdownErr := runShutdown(); shutdownErr != nil {
			app.logger.Warn("shutdown incomplete", map[string]string{"error": shutdownErr.Error()})
		}
		return err
	}

	subscriptions = append(subscriptions, dispatch.Register(app.bus, app.tracker, dispatch.Config{Logger: app.logger}))

	var bridge *livereload.Bridge
	if settings.Server.Enabled {
		bridge = livereload.NewBridge(app.bus, livereload.BridgeOptions{
			Logger:         app.logger,
			Metrics:        app.metrics,
			Status:         app.tracker,
			History:        app.bus,
			ClientLogLevel: settings.Server.ClientLogLevel,
			AllowedOrigins: settings.Server.AllowedOrigins,
		})
		go bridge.Run(watchCtx)
	}

	if tree != nil {
		trigger = scheduler.NewTriggerHandler(app.scheduler, tree, scheduler.TriggerOptions{
			Logger:  app.logger,
			Metrics: app.metrics,
		})
		var handler dispatch.Handler = trigger
		if file != nil {
			reloader, err := newTaskFileReloader(file.Path, trigger, app.publisher, app.logger)
			if err != nil {
				return abort(&config.InputError{Variant: config.PathError, Path: file.Path, Err: err})
			}
			handler = reloader
			if !covered(paths, reloader.path) {
				paths = append(paths, file.Path)
			}
		}
		subscriptions = append(subscriptions, dispatch.Register(app.bus, handler, dispatch.Config{Logger: app.logger}))
	}

	fsWatcher, err = watcher.NewWithOptions(watcher.Options{
		Logger:           app.logger,
		Publisher:        app.publisher,
		Registry:         app.metrics,
		Debounce:         settings.Watch.Debounce,
		Ignore:           settings.Watch.Ignore,
		NoDefaultIgnores: settings.Watch.NoDefaultIgnores,
		MaxWatches:       settings.Watch.MaxWatches,
	})
	if err != nil {
		return abort(&config.InputError{Variant: config.InvalidInput, Err: err})
	}
	for _, path := range paths {
		if err := fsWatcher.Add(path); err != nil {
			return abort(&config.InputError{Variant: config.PathError, Path: path, Err: err})
		}
	}

	if bridge != nil {
		addr := settings.Server.Addr()
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return abort(&config.InputError{Variant: config.PortError, Path: addr, Err: err})
		}
		server := &http.Server{
			Handler:           bridge.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		servers = append(servers, ManagedServer{
			Name: bridgeServerName,
			Serve: func() error {
				return server.Serve(listener)
			},
			Shutdown: server.Shutdown,
		})
		described := []protocol.ServerDesc{{
			ID:   bridgeServerName,
			Name: bridgeServerName,
			Addr: listener.Addr().String(),
		}}
		app.publisher.Publish(protocol.NewServersStarted(described))
		app.publisher.Publish(protocol.NewServersChanged(described))
	}

	runner := &ServerRunner{Logger: app.logger}
	serversStarted = true
	go func() {
		serverErr := runner.Run(serversStop, servers...)
		runnerDone <- serverErr
		if serverErr != nil {
			cancel()
		}
	}()

	if initialRun && trigger != nil {
		trigger.Submit(scheduler.ExecTrigger())
	}

	<-watchCtx.Done()
	var serverErr *serverError
	select {
	case serverErr = <-runnerDone:
		// The runner already exited; the servers phase must not wait for it again.
		serversStarted = false
	default:
	}
	if err := runShutdown(); err != nil {
		app.logger.Warn("shutdown incomplete", map[string]string{"error": err.Error()})
	}
	if serverErr != nil {
		return serverErr
	}
	return nil
}

// fileWatchPaths resolves a task file's watch paths against the file's directory.
func fileWatchPaths(file *config.TaskFile) []string {
	base := filepath.Dir(file.Path)
	paths := make([]string, 0, len(file.Watch.Paths))
	for _, path := range file.Watch.Paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		paths = append(paths, path)
	}
	return paths
}

// covered reports whether target lies inside one of the watched roots.
func covered(roots []string, target string) bool {
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, target)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

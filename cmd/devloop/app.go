package main

import (
	"context"
	"io"

	"devloop/internal/config"
	"devloop/internal/event"
	"devloop/internal/logging"
	"devloop/internal/metrics"
	"devloop/internal/output"
	"devloop/internal/printer"
	"devloop/internal/process"
	"devloop/internal/scheduler"
	"devloop/internal/status"
)

// eventHistorySize bounds the envelopes kept for the live-reload events endpoint.
const eventHistorySize = 64

// app is the process-wide wiring shared by run and watch. Every envelope goes to the
// bus and, synchronously, to the printer so nothing is lost when the process exits.
type app struct {
	settings   config.Settings
	logger     *logging.Logger
	metrics    *metrics.Registry
	bus        *event.EnvelopeBus
	printer    *printer.Printer
	publisher  event.Publisher
	supervisor *process.Supervisor
	scheduler  *scheduler.Scheduler
	tracker    *status.Tracker
}

func newApp(ctx context.Context, settings config.Settings, stdout, stderr io.Writer, dir string) *app {
	logger := logging.New(logging.Options{
		Output:   stderr,
		MinLevel: settings.Log.Level,
		Format:   settings.Log.Format,
	})
	registry := &metrics.Registry{}
	tracker := status.NewTracker(status.Options{
		Logs:    logger.Buffer(),
		Metrics: registry,
	})
	bus := event.NewEnvelopeBus(ctx, event.BusOptions{
		HistorySize: eventHistorySize,
		Registry:    registry,
		Logger:      logger,
		OnDrop:      tracker.RecordDrop,
	})
	out := printer.New(stdout, printer.Options{
		Mode:   printer.Mode(settings.Output.Mode),
		Logger: logger,
	})
	publisher := event.Tee(bus, out)

	supervisor := process.NewSupervisor(process.Options{
		Logger:  logger,
		Metrics: registry,
		Shell:   settings.Process.Shell,
		Grace:   settings.Process.Grace,
	})
	router := output.NewRouter(output.Options{
		Publisher: publisher,
		StripANSI: settings.Process.StripANSI,
	})
	runner := scheduler.New(scheduler.Options{
		Supervisor: supervisor,
		Router:     router,
		Publisher:  publisher,
		Logger:     logger,
		Metrics:    registry,
		Dir:        dir,
	})
	return &app{
		settings:   settings,
		logger:     logger,
		metrics:    registry,
		bus:        bus,
		printer:    out,
		publisher:  publisher,
		supervisor: supervisor,
		scheduler:  runner,
		tracker:    tracker,
	}
}

// stopProcesses terminates anything still registered with the supervisor.
func (app *app) stopProcesses(ctx context.Context) error {
	return app.supervisor.StopAll(ctx)
}

func (app *app) closeBus(context.Context) error {
	app.bus.Close()
	return nil
}

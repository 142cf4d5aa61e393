package main

import (
	"context"
	"path/filepath"

	"devloop/internal/config"
	"devloop/internal/event"
	"devloop/internal/logging"
	"devloop/internal/protocol"
	"devloop/internal/scheduler"
)

// taskFileReloader re-reads the task file when a batch touches it, so the run for
// that batch already uses the new tree. A file that no longer loads keeps the old tree.
type taskFileReloader struct {
	path      string
	display   string
	trigger   *scheduler.TriggerHandler
	publisher event.Publisher
	logger    *logging.Logger
}

func newTaskFileReloader(path string, trigger *scheduler.TriggerHandler, publisher event.Publisher, logger *logging.Logger) (*taskFileReloader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		publisher = event.PublishFunc(nil)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &taskFileReloader{
		path:      abs,
		display:   path,
		trigger:   trigger,
		publisher: publisher,
		logger:    logger.Component("taskfile"),
	}, nil
}

func (reloader *taskFileReloader) Name() string {
	return "taskfile.reload"
}

func (reloader *taskFileReloader) Kinds() []protocol.Kind {
	return []protocol.Kind{protocol.KindFilesChanged}
}

func (reloader *taskFileReloader) Handle(ctx context.Context, envelope protocol.Envelope) {
	payload, ok := envelope.Payload.(protocol.FilesChangedPayload)
	if !ok {
		return
	}
	if reloader.touched(payload.Paths) {
		reloader.reload()
	}
	reloader.trigger.Handle(ctx, envelope)
}

func (reloader *taskFileReloader) touched(paths []string) bool {
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err == nil && abs == reloader.path {
			return true
		}
	}
	return false
}

func (reloader *taskFileReloader) reload() {
	file, err := config.LoadTaskFile(reloader.display)
	if err == nil {
		tree, treeErr := file.Tree()
		if treeErr == nil {
			reloader.trigger.SetTree(tree)
			reloader.logger.Info("task file reloaded", map[string]string{"path": reloader.display})
			reloader.publisher.Publish(protocol.NewInputAccepted(file.Path))
			return
		}
		err = treeErr
	}
	variant, ok := config.VariantOf(err)
	if !ok {
		variant = config.InvalidInput
	}
	reloader.logger.Warn("task file reload failed", map[string]string{
		"path":  reloader.display,
		"error": err.Error(),
	})
	reloader.publisher.Publish(protocol.NewInputError(string(variant), err.Error()))
}

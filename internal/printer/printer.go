// Package printer writes envelopes for a command-line consumer: one JSON document per
// line for machines, or a human-readable rendering when attached to a terminal.
package printer

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"devloop/internal/logging"
	"devloop/internal/protocol"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeJSON   Mode = "json"
	ModePretty Mode = "pretty"
)

const maxListedPaths = 5

type Options struct {
	Mode Mode
	// Color forces colors on or off in pretty mode; nil detects a terminal.
	Color  *bool
	Logger *logging.Logger
}

// Printer is an event.Publisher; writes from concurrent publishers never interleave.
type Printer struct {
	mu     sync.Mutex
	out    io.Writer
	mode   Mode
	color  bool
	logger *logging.Logger
}

func New(out io.Writer, options Options) *Printer {
	if out == nil {
		out = io.Discard
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	terminal := isTerminal(out)
	mode := options.Mode
	if mode != ModeJSON && mode != ModePretty {
		mode = ModeJSON
		if terminal {
			mode = ModePretty
		}
	}
	color := terminal && os.Getenv("NO_COLOR") == ""
	if options.Color != nil {
		color = *options.Color
	}
	return &Printer{
		out:    out,
		mode:   mode,
		color:  color,
		logger: logger.Component("printer"),
	}
}

func (printer *Printer) Mode() Mode {
	return printer.mode
}

func (printer *Printer) Publish(envelope protocol.Envelope) {
	printer.Print(envelope)
}

// Print writes envelope. Internal envelopes are never printed.
func (printer *Printer) Print(envelope protocol.Envelope) {
	if printer == nil || envelope.Level == protocol.LevelInternal {
		return
	}
	var output string
	if printer.mode == ModeJSON {
		data, err := json.Marshal(envelope)
		if err != nil {
			printer.logger.Warn("encode envelope failed", map[string]string{
				"kind":  string(envelope.Kind),
				"error": err.Error(),
			})
			return
		}
		output = string(data) + "\n"
	} else {
		output = printer.render(envelope)
		if output == "" {
			return
		}
	}

	printer.mu.Lock()
	defer printer.mu.Unlock()
	_, _ = io.WriteString(printer.out, output)
}

func (printer *Printer) render(envelope protocol.Envelope) string {
	switch payload := envelope.Payload.(type) {
	case protocol.OutputLine:
		line := payload.Body.Line
		if payload.Stream == protocol.StreamStderr {
			line = printer.paint(line, text.FgRed)
		}
		if payload.Body.Prefix == "" {
			return line + "\n"
		}
		return printer.paint(payload.Body.Prefix, text.FgCyan) + " " + line + "\n"
	case protocol.TaskReportPayload:
		return printer.renderReport(payload)
	case protocol.WatchingPayload:
		return printer.paint("watching", text.FgBlue) + " " + strings.Join(payload.Paths, ", ") +
			" (" + payload.Debounce.String() + ")\n"
	case protocol.WatchingStoppedPayload:
		return printer.paint("stopped watching", text.FgYellow) + " " + strings.Join(payload.Paths, ", ") + "\n"
	case protocol.FileChangedPayload:
		return printer.paint("changed", text.FgBlue) + " " + payload.Path + "\n"
	case protocol.FilesChangedPayload:
		// A single path was already announced by its FileChanged envelope.
		if len(payload.Paths) == 1 {
			return ""
		}
		return printer.paint("changed", text.FgBlue) + " " + listPaths(payload.Paths) + "\n"
	case protocol.ServersPayload:
		var builder strings.Builder
		for _, server := range payload.Servers {
			name := server.Name
			if name == "" {
				name = server.ID
			}
			builder.WriteString(printer.paint("serving", text.FgGreen) + " " + name + " http://" + server.Addr + "\n")
		}
		return builder.String()
	case protocol.InputAcceptedPayload:
		return printer.paint("input", text.FgBlue) + " " + payload.Path + "\n"
	case protocol.InputErrorPayload:
		label := "input error"
		if envelope.Kind == protocol.KindStartupFailed {
			label = "startup failed"
		}
		return printer.paint(label+" ["+payload.Variant+"]", text.FgRed) + " " + payload.Message + "\n"
	}
	return ""
}

func (printer *Printer) paint(value string, color text.Color) string {
	if !printer.color {
		return value
	}
	return color.Sprint(value)
}

func listPaths(paths []string) string {
	if len(paths) <= maxListedPaths {
		return strings.Join(paths, ", ")
	}
	return strings.Join(paths[:maxListedPaths], ", ") + " and " + strconv.Itoa(len(paths)-maxListedPaths) + " more"
}

func isTerminal(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Package output turns raw process output into tagged OutputLine envelopes.
package output

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"devloop/internal/event"
	"devloop/internal/protocol"
)

// MaxLineBytes bounds a single emitted line; longer runs are split.
const MaxLineBytes = 64 * 1024

type Options struct {
	Publisher event.Publisher
	// StripANSI removes terminal escape sequences before lines are published.
	StripANSI bool
}

// Router tags each line with its task id and prefix and publishes it.
type Router struct {
	publisher event.Publisher
	stripANSI bool
}

func NewRouter(options Options) *Router {
	return &Router{
		publisher: options.Publisher,
		stripANSI: options.StripANSI,
	}
}

// Emit publishes a single synthetic line, such as a spawn error.
func (router *Router) Emit(stream protocol.Stream, taskID, prefix, line string) {
	if router == nil || router.publisher == nil {
		return
	}
	if router.stripANSI {
		line = StripANSI(line)
	}
	router.publisher.Publish(protocol.NewOutputLine(stream, taskID, strings.ToValidUTF8(line, "\uFFFD"), prefix))
}

// Writer returns a line splitter for one stream of one task. Close flushes a trailing
// partial line.
func (router *Router) Writer(taskID, prefix string, stream protocol.Stream) io.WriteCloser {
	return &lineWriter{
		router: router,
		taskID: taskID,
		prefix: prefix,
		stream: stream,
	}
}

type lineWriter struct {
	mu     sync.Mutex
	router *Router
	taskID string
	prefix string
	stream protocol.Stream
	carry  []byte
	closed bool
}

func (writer *lineWriter) Write(data []byte) (int, error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.closed {
		return 0, io.ErrClosedPipe
	}

	writer.carry = append(writer.carry, data...)
	for {
		index := bytes.IndexByte(writer.carry, '\n')
		if index < 0 {
			break
		}
		writer.emit(writer.carry[:index])
		writer.carry = writer.carry[index+1:]
	}
	for len(writer.carry) > MaxLineBytes {
		cut := splitPoint(writer.carry, MaxLineBytes)
		writer.emit(writer.carry[:cut])
		writer.carry = writer.carry[cut:]
	}
	if len(writer.carry) == 0 {
		writer.carry = nil
	}
	return len(data), nil
}

func (writer *lineWriter) Close() error {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.closed {
		return nil
	}
	writer.closed = true
	if len(writer.carry) > 0 {
		writer.emit(writer.carry)
		writer.carry = nil
	}
	return nil
}

func (writer *lineWriter) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	for len(line) > MaxLineBytes {
		cut := splitPoint(line, MaxLineBytes)
		writer.router.Emit(writer.stream, writer.taskID, writer.prefix, string(line[:cut]))
		line = line[cut:]
	}
	writer.router.Emit(writer.stream, writer.taskID, writer.prefix, string(line))
}

// splitPoint backs off to a rune boundary so a split never cuts a UTF-8 sequence.
func splitPoint(data []byte, limit int) int {
	cut := limit
	for cut > limit-utf8.UTFMax && cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	if cut == 0 {
		return limit
	}
	return cut
}

package task

import (
	"strings"
	"time"
)

// PrefixMode selects how output lines of a runnable are labelled.
type PrefixMode int

const (
	// PrefixDefault uses the command name, or a short form of the task id.
	PrefixDefault PrefixMode = iota
	PrefixNone
	PrefixCustom
)

const shortIDLength = 6

// Command describes one shell step.
type Command struct {
	Sh         string
	Name       string
	Dir        string
	Env        map[string]string
	Prefix     PrefixMode
	PrefixText string
	PTY        bool
	// Timeout terminates the process and fails the run; zero means no limit.
	Timeout time.Duration
}

// ResolvePrefix returns the prefix attached to every output line of the runnable with id.
func (command Command) ResolvePrefix(id string) string {
	switch command.Prefix {
	case PrefixNone:
		return ""
	case PrefixCustom:
		return command.PrefixText
	default:
		if name := strings.TrimSpace(command.Name); name != "" {
			return "[" + name + "]"
		}
		short := id
		if len(short) > shortIDLength {
			short = short[:shortIDLength]
		}
		return "[" + short + "]"
	}
}

func (command Command) label() string {
	if name := strings.TrimSpace(command.Name); name != "" {
		return name
	}
	return strings.TrimSpace(command.Sh)
}

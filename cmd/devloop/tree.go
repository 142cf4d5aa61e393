package main

import (
	"errors"

	"github.com/spf13/cobra"

	"devloop/internal/config"
	"devloop/internal/task"
)

var (
	errNoCommands        = errors.New("no commands given; pass commands or a task file with -i")
	errCommandsWithInput = errors.New("commands and a task file cannot be combined")
	errNegativeMax       = errors.New("--max must not be negative")
)

// graphFlags are the flags that shape a tree built from command-line commands.
type graphFlags struct {
	input          string
	par            bool
	max            int
	ignoreFailures bool
}

func (flags *graphFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flags.input, "input", "i", "", "Task file (.yml, .yaml, .toml or .md)")
	cmd.Flags().BoolVar(&flags.par, "par", false, "Run commands in parallel instead of in sequence")
	cmd.Flags().IntVar(&flags.max, "max", 0, "Maximum concurrent commands with --par (default 5)")
	cmd.Flags().BoolVar(&flags.ignoreFailures, "ignore-failures", false, "Keep running remaining commands after a failure")
}

// buildTree returns the tree from the task file when one is given, otherwise one
// runnable per command. The task file is returned for its watch section.
func (flags *graphFlags) buildTree(commands []string) (*task.Tree, *config.TaskFile, error) {
	if flags.input != "" {
		if len(commands) > 0 {
			return nil, nil, &config.InputError{
				Variant: config.InvalidInput,
				Path:    flags.input,
				Err:     errCommandsWithInput,
			}
		}
		file, err := config.LoadTaskFile(flags.input)
		if err != nil {
			return nil, nil, err
		}
		tree, err := file.Tree()
		if err != nil {
			return nil, nil, err
		}
		return tree, file, nil
	}
	if len(commands) == 0 {
		return nil, nil, &config.InputError{Variant: config.MissingInputs, Err: errNoCommands}
	}
	if flags.max < 0 {
		return nil, nil, &config.InputError{Variant: config.InvalidInput, Err: errNegativeMax}
	}

	children := make([]*task.Node, 0, len(commands))
	for _, command := range commands {
		children = append(children, task.Runnable(task.Command{Sh: command}))
	}
	var root *task.Node
	if flags.par {
		root = task.Par(children...).WithMax(flags.max)
	} else {
		root = task.Seq(children...)
	}
	if flags.ignoreFailures {
		root.WithPolicy(task.IgnoreFailures)
	}
	tree, err := task.NewTree(root)
	if err != nil {
		return nil, nil, &config.InputError{Variant: config.InvalidInput, Err: err}
	}
	return tree, nil, nil
}

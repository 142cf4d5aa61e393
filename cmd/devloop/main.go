package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"devloop/internal/config"
	"devloop/internal/printer"
	"devloop/internal/protocol"
)

// exitError carries a non-zero exit status for failures already reported on stdout.
type exitError struct {
	code int
}

func (err *exitError) Error() string {
	return fmt.Sprintf("exit status %d", err.code)
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	ctx := newCommandContext(stdout, stderr, os.Environ)
	cmd := newRootCommand(ctx)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	if variant, ok := config.VariantOf(err); ok {
		reportStartupFailure(stdout, ctx.outputMode, string(variant), err)
		return 1
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
	}
	return 1
}

// reportStartupFailure emits the single StartupFailed envelope for a fatal input error.
func reportStartupFailure(stdout io.Writer, mode string, variant string, err error) {
	message := err.Error()
	var inputErr *config.InputError
	if errors.As(err, &inputErr) && inputErr.Err != nil {
		message = inputErr.Err.Error()
		if inputErr.Path != "" {
			message = inputErr.Path + ": " + message
		}
	}
	printer.New(stdout, printer.Options{Mode: printer.Mode(mode)}).
		Print(protocol.NewStartupFailed(variant, message))
}

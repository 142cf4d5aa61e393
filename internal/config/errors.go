package config

import (
	"errors"
	"fmt"
)

// Variant names a class of startup input failure. Values appear verbatim in
// InputError and StartupFailed envelopes.
type Variant string

const (
	MissingInputs        Variant = "MissingInputs"
	InvalidInput         Variant = "InvalidInput"
	NotFound             Variant = "NotFound"
	InputWriteError      Variant = "InputWriteError"
	PathError            Variant = "PathError"
	PortError            Variant = "PortError"
	DirError             Variant = "DirError"
	YamlError            Variant = "YamlError"
	TomlError            Variant = "TomlError"
	MarkdownError        Variant = "MarkdownError"
	Io                   Variant = "Io"
	UnsupportedExtension Variant = "UnsupportedExtension"
	MissingExtension     Variant = "MissingExtension"
	EmptyInput           Variant = "EmptyInput"
)

// InputError is a fatal problem with the inputs devloop was started with.
type InputError struct {
	Variant Variant
	Path    string
	Err     error
}

func (e *InputError) Error() string {
	if e == nil {
		return ""
	}
	message := string(e.Variant)
	if e.Path != "" {
		message += " " + e.Path
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *InputError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func inputError(variant Variant, path string, err error) *InputError {
	return &InputError{Variant: variant, Path: path, Err: err}
}

func inputErrorf(variant Variant, path, format string, args ...any) *InputError {
	return inputError(variant, path, fmt.Errorf(format, args...))
}

// VariantOf reports the variant of the first InputError in err's chain.
func VariantOf(err error) (Variant, bool) {
	var inputErr *InputError
	if errors.As(err, &inputErr) {
		return inputErr.Variant, true
	}
	return "", false
}

package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"devloop/internal/task"
)

const (
	modeSeq = "seq"
	modePar = "par"

	prefixNone    = "none"
	prefixDefault = "default"
)

// TaskFile is a declarative task graph plus the watch section that triggers it.
type TaskFile struct {
	Path           string       `yaml:"-" toml:"-"`
	Watch          WatchSection `yaml:"watch" toml:"watch"`
	Mode           string       `yaml:"mode" toml:"mode"`
	Max            int          `yaml:"max" toml:"max"`
	IgnoreFailures bool         `yaml:"ignore_failures" toml:"ignore_failures"`
	Tasks          []Step       `yaml:"tasks" toml:"tasks"`
}

type WatchSection struct {
	Paths      []string `yaml:"paths" toml:"paths"`
	DebounceMs int      `yaml:"debounce_ms" toml:"debounce_ms"`
	Ignore     []string `yaml:"ignore" toml:"ignore"`
	InitialRun bool     `yaml:"initial_run" toml:"initial_run"`
}

// Step is one entry of a task list: a shell command (sh) or a nested seq or par group.
// In YAML a bare string is shorthand for {sh: ...}.
type Step struct {
	Sh             string            `yaml:"sh" toml:"sh"`
	Name           string            `yaml:"name" toml:"name"`
	Dir            string            `yaml:"dir" toml:"dir"`
	Env            map[string]string `yaml:"env" toml:"env"`
	Prefix         string            `yaml:"prefix" toml:"prefix"`
	PTY            bool              `yaml:"pty" toml:"pty"`
	Timeout        string            `yaml:"timeout" toml:"timeout"`
	Seq            []Step            `yaml:"seq" toml:"seq"`
	Par            []Step            `yaml:"par" toml:"par"`
	Max            int               `yaml:"max" toml:"max"`
	IgnoreFailures bool              `yaml:"ignore_failures" toml:"ignore_failures"`
}

type stepFields Step

var stepKeys = map[string]struct{}{
	"sh": {}, "name": {}, "dir": {}, "env": {}, "prefix": {}, "pty": {}, "timeout": {},
	"seq": {}, "par": {}, "max": {}, "ignore_failures": {},
}

func (step *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		step.Sh = node.Value
		return nil
	}
	if node.Kind == yaml.MappingNode {
		for index := 0; index+1 < len(node.Content); index += 2 {
			key := node.Content[index]
			if _, ok := stepKeys[key.Value]; !ok {
				return fmt.Errorf("line %d: field %s not found in step", key.Line, key.Value)
			}
		}
	}
	var fields stepFields
	if err := node.Decode(&fields); err != nil {
		return err
	}
	*step = Step(fields)
	return nil
}

// LoadTaskFile reads and validates the task file at path. The decoder is chosen by
// extension: .yml/.yaml, .toml, or .md (the first fenced yaml block).
func LoadTaskFile(path string) (*TaskFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, inputErrorf(MissingInputs, "", "no task file given")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return nil, inputErrorf(MissingExtension, path, "cannot choose a decoder without an extension")
	}
	if !supportedExtension(ext) {
		return nil, inputErrorf(UnsupportedExtension, path, "extension %s is not one of .yml, .yaml, .toml, .md", ext)
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, inputError(NotFound, path, err)
		}
		return nil, inputError(Io, path, err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, inputErrorf(EmptyInput, path, "file is empty")
	}

	file, err := decodeTaskFile(ext, path, payload)
	if err != nil {
		return nil, err
	}
	file.Path = path
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return file, nil
}

func supportedExtension(ext string) bool {
	switch ext {
	case ".yml", ".yaml", ".toml", ".md":
		return true
	}
	return false
}

func decodeTaskFile(ext, path string, payload []byte) (*TaskFile, error) {
	file := &TaskFile{}
	switch ext {
	case ".toml":
		decoder := toml.NewDecoder(bytes.NewReader(payload))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(file); err != nil {
			return nil, inputError(TomlError, path, err)
		}
	case ".md":
		block, ok := fencedYAML(payload)
		if !ok {
			return nil, inputErrorf(MarkdownError, path, "no fenced yaml block found")
		}
		if err := decodeYAML(block, file); err != nil {
			return nil, inputError(MarkdownError, path, err)
		}
	default:
		if err := decodeYAML(payload, file); err != nil {
			return nil, inputError(YamlError, path, err)
		}
	}
	return file, nil
}

func decodeYAML(payload []byte, file *TaskFile) error {
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(file); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("document is empty")
		}
		return err
	}
	return nil
}

// fencedYAML returns the body of the first ```yaml or ```yml block.
func fencedYAML(payload []byte) ([]byte, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	var block bytes.Buffer
	inside := false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !inside {
			info := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
			if strings.HasPrefix(trimmed, "```") && (info == "yaml" || info == "yml") {
				inside = true
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") {
			return block.Bytes(), true
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
	return nil, false
}

// Validate checks the graph shape without building it.
func (file *TaskFile) Validate() error {
	if len(file.Tasks) == 0 {
		return inputErrorf(EmptyInput, file.Path, "no tasks declared")
	}
	switch strings.ToLower(file.Mode) {
	case "", modeSeq, modePar:
	default:
		return inputErrorf(InvalidInput, file.Path, "mode must be seq or par, got %q", file.Mode)
	}
	if file.Max < 0 {
		return inputErrorf(InvalidInput, file.Path, "max must not be negative")
	}
	if file.Watch.DebounceMs < 0 {
		return inputErrorf(InvalidInput, file.Path, "watch.debounce_ms must not be negative")
	}
	for index, step := range file.Tasks {
		if err := step.validate(fmt.Sprintf("tasks[%d]", index)); err != nil {
			return inputError(InvalidInput, file.Path, err)
		}
	}
	return nil
}

func (step Step) validate(where string) error {
	forms := 0
	if strings.TrimSpace(step.Sh) != "" {
		forms++
	}
	if len(step.Seq) > 0 {
		forms++
	}
	if len(step.Par) > 0 {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("%s: exactly one of sh, seq or par is required", where)
	}
	if step.Max < 0 {
		return fmt.Errorf("%s: max must not be negative", where)
	}
	if step.Timeout != "" {
		timeout, err := time.ParseDuration(step.Timeout)
		if err != nil || timeout <= 0 {
			return fmt.Errorf("%s: invalid timeout %q", where, step.Timeout)
		}
	}
	for index, child := range step.Seq {
		if err := child.validate(fmt.Sprintf("%s.seq[%d]", where, index)); err != nil {
			return err
		}
	}
	for index, child := range step.Par {
		if err := child.validate(fmt.Sprintf("%s.par[%d]", where, index)); err != nil {
			return err
		}
	}
	return nil
}

// Tree builds the task tree. Relative step directories resolve against the task file's directory.
func (file *TaskFile) Tree() (*task.Tree, error) {
	base := filepath.Dir(file.Path)
	children := make([]*task.Node, 0, len(file.Tasks))
	for _, step := range file.Tasks {
		children = append(children, step.node(base))
	}
	var root *task.Node
	if strings.ToLower(file.Mode) == modePar {
		root = task.Par(children...).WithMax(file.Max)
	} else {
		root = task.Seq(children...)
	}
	if file.IgnoreFailures {
		root.WithPolicy(task.IgnoreFailures)
	}
	tree, err := task.NewTree(root)
	if err != nil {
		return nil, inputError(InvalidInput, file.Path, err)
	}
	return tree, nil
}

func (step Step) node(base string) *task.Node {
	var node *task.Node
	switch {
	case len(step.Seq) > 0:
		children := make([]*task.Node, 0, len(step.Seq))
		for _, child := range step.Seq {
			children = append(children, child.node(base))
		}
		node = task.Seq(children...)
	case len(step.Par) > 0:
		children := make([]*task.Node, 0, len(step.Par))
		for _, child := range step.Par {
			children = append(children, child.node(base))
		}
		node = task.Par(children...).WithMax(step.Max)
	default:
		return task.Runnable(step.command(base))
	}
	if step.IgnoreFailures {
		node.WithPolicy(task.IgnoreFailures)
	}
	if step.Name != "" {
		node.WithLabel(step.Name)
	}
	return node
}

func (step Step) command(base string) task.Command {
	command := task.Command{
		Sh:   step.Sh,
		Name: step.Name,
		Env:  step.Env,
		PTY:  step.PTY,
	}
	if step.Dir != "" {
		command.Dir = step.Dir
		if !filepath.IsAbs(step.Dir) && base != "" && base != "." {
			command.Dir = filepath.Join(base, step.Dir)
		}
	}
	switch strings.ToLower(step.Prefix) {
	case "", prefixDefault:
		command.Prefix = task.PrefixDefault
	case prefixNone:
		command.Prefix = task.PrefixNone
	default:
		command.Prefix = task.PrefixCustom
		command.PrefixText = step.Prefix
	}
	if step.Timeout != "" {
		command.Timeout, _ = time.ParseDuration(step.Timeout)
	}
	return command
}

// WriteStarter writes content to path, refusing to overwrite an existing file.
func WriteStarter(path string, content []byte) error {
	handle, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return inputError(InputWriteError, path, err)
	}
	if _, err := handle.Write(content); err != nil {
		_ = handle.Close()
		return inputError(InputWriteError, path, err)
	}
	if err := handle.Close(); err != nil {
		return inputError(InputWriteError, path, err)
	}
	return nil
}

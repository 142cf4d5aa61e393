package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"devloop"
	"devloop/internal/task"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func expectVariant(t *testing.T, err error, variant Variant) {
	t.Helper()
	got, ok := VariantOf(err)
	if !ok || got != variant {
		t.Fatalf("expected %s, got %v", variant, err)
	}
}

func TestLoadYAMLTaskFile(t *testing.T) {
	path := writeFile(t, "devloop.yml", `
watch:
  paths: [src]
  debounce_ms: 50
mode: seq
tasks:
  - echo first
  - name: build
    sh: make
    dir: web
    timeout: 2s
    prefix: none
  - par:
      - sh: echo a
        prefix: "[a]"
      - sh: echo b
    max: 2
    ignore_failures: true
`)
	file, err := LoadTaskFile(path)
	if err != nil {
		t.Fatalf("load task file: %v", err)
	}
	if len(file.Watch.Paths) != 1 || file.Watch.DebounceMs != 50 {
		t.Fatalf("unexpected watch section %+v", file.Watch)
	}

	tree, err := file.Tree()
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	root := tree.Root()
	if root.Kind != task.KindSeq || len(root.Children) != 3 {
		t.Fatalf("expected seq of 3, got %s with %d", root.Kind, len(root.Children))
	}
	if root.Children[0].Command.Sh != "echo first" {
		t.Fatalf("expected shorthand step, got %q", root.Children[0].Command.Sh)
	}
	build := root.Children[1].Command
	if build.Timeout != 2*time.Second || build.Prefix != task.PrefixNone {
		t.Fatalf("unexpected build command %+v", build)
	}
	if build.Dir != filepath.Join(filepath.Dir(path), "web") {
		t.Fatalf("expected dir relative to the task file, got %q", build.Dir)
	}
	par := root.Children[2]
	if par.Kind != task.KindPar || par.Concurrency() != 2 || par.Policy != task.IgnoreFailures {
		t.Fatalf("unexpected par node %+v", par)
	}
	if par.Children[0].Command.Prefix != task.PrefixCustom || par.Children[0].Command.PrefixText != "[a]" {
		t.Fatalf("expected custom prefix, got %+v", par.Children[0].Command)
	}
}

func TestLoadTOMLTaskFile(t *testing.T) {
	path := writeFile(t, "devloop.toml", `
mode = "par"
max = 3

[[tasks]]
sh = "echo one"

[[tasks]]
name = "pipeline"

[[tasks.seq]]
sh = "echo two"

[[tasks.seq]]
sh = "echo three"
`)
	file, err := LoadTaskFile(path)
	if err != nil {
		t.Fatalf("load task file: %v", err)
	}
	tree, err := file.Tree()
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	root := tree.Root()
	if root.Kind != task.KindPar || root.Concurrency() != 3 {
		t.Fatalf("expected par max 3, got %s %d", root.Kind, root.Concurrency())
	}
	if got := len(tree.Runnables()); got != 3 {
		t.Fatalf("expected 3 runnables, got %d", got)
	}
	if root.Children[1].Label != "pipeline" {
		t.Fatalf("expected group label, got %q", root.Children[1].Label)
	}
}

func TestLoadMarkdownTaskFile(t *testing.T) {
	path := writeFile(t, "README.md", "# Project\n\nSome prose.\n\n```yaml\ntasks:\n  - echo from markdown\n```\n")
	file, err := LoadTaskFile(path)
	if err != nil {
		t.Fatalf("load markdown: %v", err)
	}
	if file.Tasks[0].Sh != "echo from markdown" {
		t.Fatalf("unexpected tasks %+v", file.Tasks)
	}

	missing := writeFile(t, "empty.md", "# nothing here\n")
	_, err = LoadTaskFile(missing)
	expectVariant(t, err, MarkdownError)
}

func TestLoadTaskFileErrors(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		path    func() string
		variant Variant
	}{
		{name: "no path", path: func() string { return "" }, variant: MissingInputs},
		{name: "no extension", path: func() string { return filepath.Join(dir, "devloop") }, variant: MissingExtension},
		{name: "unsupported", path: func() string { return filepath.Join(dir, "devloop.json") }, variant: UnsupportedExtension},
		{name: "missing file", path: func() string { return filepath.Join(dir, "absent.yml") }, variant: NotFound},
		{name: "empty file", path: func() string { return writeFile(t, "empty.yml", "  \n") }, variant: EmptyInput},
		{name: "no tasks", path: func() string { return writeFile(t, "notasks.yml", "mode: seq\n") }, variant: EmptyInput},
		{name: "bad yaml", path: func() string { return writeFile(t, "bad.yml", "tasks: [\n") }, variant: YamlError},
		{name: "unknown field", path: func() string { return writeFile(t, "unknown.yml", "tasks:\n  - sh: ls\n    shell: bash\n") }, variant: YamlError},
		{name: "unknown top field", path: func() string { return writeFile(t, "top.yml", "jobs: []\ntasks: [ls]\n") }, variant: YamlError},
		{name: "bad toml", path: func() string { return writeFile(t, "bad.toml", "tasks = [\n") }, variant: TomlError},
		{name: "two forms", path: func() string { return writeFile(t, "two.yml", "tasks:\n  - sh: ls\n    seq: [pwd]\n") }, variant: InvalidInput},
		{name: "bad timeout", path: func() string { return writeFile(t, "timeout.yml", "tasks:\n  - sh: ls\n    timeout: soon\n") }, variant: InvalidInput},
		{name: "bad mode", path: func() string { return writeFile(t, "mode.yml", "mode: race\ntasks: [ls]\n") }, variant: InvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadTaskFile(tc.path())
			expectVariant(t, err, tc.variant)
		})
	}
}

func TestNotFoundUnwrapsToErrNotExist(t *testing.T) {
	_, err := LoadTaskFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist in chain, got %v", err)
	}
	if !strings.Contains(err.Error(), "NotFound") {
		t.Fatalf("expected variant in message, got %q", err.Error())
	}
}

func TestStarterTaskFileLoads(t *testing.T) {
	starter, err := fs.ReadFile(devloop.EmbeddedConfigFS, "config/devloop.yml")
	if err != nil {
		t.Fatalf("read starter: %v", err)
	}
	path := filepath.Join(t.TempDir(), "devloop.yml")
	if err := WriteStarter(path, starter); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	file, err := LoadTaskFile(path)
	if err != nil {
		t.Fatalf("load starter: %v", err)
	}
	if _, err := file.Tree(); err != nil {
		t.Fatalf("build starter tree: %v", err)
	}

	err = WriteStarter(path, starter)
	expectVariant(t, err, InputWriteError)
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected fs.ErrExist, got %v", err)
	}
}

func TestWatchPathsAndWorkingDir(t *testing.T) {
	dir := t.TempDir()
	paths, err := WatchPaths([]string{dir, dir + string(filepath.Separator)})
	if err != nil {
		t.Fatalf("watch paths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected duplicates to collapse, got %v", paths)
	}
	_, err = WatchPaths([]string{filepath.Join(dir, "missing")})
	expectVariant(t, err, PathError)
	_, err = WatchPaths(nil)
	expectVariant(t, err, MissingInputs)

	file := writeFile(t, "plain.txt", "x")
	_, err = WorkingDir(file)
	expectVariant(t, err, DirError)
	resolved, err := WorkingDir(dir)
	if err != nil || resolved != dir {
		t.Fatalf("expected %s, got %s (%v)", dir, resolved, err)
	}
}

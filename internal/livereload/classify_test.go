package livereload

import (
	"bytes"
	"strings"
	"testing"

	"devloop/internal/protocol"
)

func batch(paths ...string) protocol.ChangeSet {
	var sets []protocol.ChangeSet
	for _, path := range paths {
		sets = append(sets, protocol.Fs(path, protocol.ChangeChanged))
	}
	return protocol.FsMany(sets...)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		changes  protocol.ChangeSet
		expected ActionKind
	}{
		{"css only", batch("styles/a.css", "b.CSS"), ActionInject},
		{"css map", batch("a.css.map"), ActionInject},
		{"images", batch("logo.png", "hero.JPEG", "icon.svg", "x.webp", "y.avif", "z.gif", "p.jpg"), ActionInject},
		{"mixed", batch("a.css", "index.html"), ActionReload},
		{"script", batch("app.js"), ActionReload},
		{"empty", protocol.FsMany(), ActionNone},
		{"single leaf", protocol.Fs("a.css", protocol.ChangeAdded), ActionInject},
	}
	for _, testCase := range cases {
		action := Classify(testCase.changes)
		if action.Kind != testCase.expected {
			t.Fatalf("%s: expected %s, got %s", testCase.name, testCase.expected, action.Kind)
		}
	}
}

func TestClassifyInjectCarriesPathsInOrder(t *testing.T) {
	action := Classify(batch("b.css", "a.png"))
	if strings.Join(action.Paths, ",") != "b.css,a.png" {
		t.Fatalf("expected paths in batch order, got %v", action.Paths)
	}
}

func TestClassifyNestedSets(t *testing.T) {
	nested := protocol.FsMany(batch("a.css"), protocol.FsMany(batch("b.png", "c.html")))
	if action := Classify(nested); action.Kind != ActionReload {
		t.Fatalf("expected nested non-injectable leaf to force reload, got %s", action.Kind)
	}
}

func TestLogLevelOrdering(t *testing.T) {
	if !Allows(LevelDebug, LevelInfo) || !Allows(LevelTrace, LevelTrace) {
		t.Fatal("expected higher or equal levels to pass")
	}
	if Allows(LevelInfo, LevelDebug) || Allows(LevelError, LevelInfo) {
		t.Fatal("expected lower levels to be filtered")
	}
	if level, ok := ParseLogLevel("TRACE"); !ok || level != LevelTrace {
		t.Fatalf("expected trace, got %v", level)
	}
	if _, ok := ParseLogLevel("verbose"); ok {
		t.Fatal("expected unknown level to be rejected")
	}
}

func TestConsoleLoggerFilters(t *testing.T) {
	var out bytes.Buffer
	console := NewConsoleLogger(&out, LevelInfo)

	console.Log(LevelDebug, "hidden")
	console.Log(LevelError, "shown %d", 1)
	console.SetLevel(LevelTrace)
	console.Log(LevelTrace, "now visible")

	text := out.String()
	if strings.Contains(text, "hidden") {
		t.Fatalf("expected debug to be filtered, got %q", text)
	}
	if !strings.Contains(text, "[error] shown 1") || !strings.Contains(text, "[trace] now visible") {
		t.Fatalf("unexpected console output %q", text)
	}
}

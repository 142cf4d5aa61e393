package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestEnvelopeRoundTripEveryKind(t *testing.T) {
	exitCode := 2
	changes := FsMany(Fs("styles/site.css", ChangeChanged), Fs("index.html", ChangeAdded))
	envelopes := []Envelope{
		NewServersStarted([]ServerDesc{{ID: "a1", Addr: "127.0.0.1:3000"}}),
		NewServersChanged([]ServerDesc{{ID: "a1", Name: "docs", Addr: "127.0.0.1:3001"}}),
		NewWatching([]string{"src", "public"}, DebounceConfig{Kind: DebounceTrailing, Ms: "300"}),
		NewWatchingStopped([]string{"src"}),
		NewFileChanged("devloop.yml"),
		NewFilesChanged(changes),
		NewInputAccepted("devloop.yml"),
		NewInputError("NotFound", "devloop.yml not found"),
		NewStartupFailed("YamlError", "line 3: mapping values are not allowed"),
		NewOutputLine(StreamStdout, "abc123", "compiled", "[build]"),
		NewOutputLine(StreamStderr, "abc123", "warning", ""),
		NewTaskReport(TaskReportPayload{
			ID:           "root",
			InvocationID: "inv-1",
			State:        "Failed",
			Children: []TaskReportPayload{
				{ID: "a", State: "Failed", ExitCode: &exitCode},
				{ID: "b", State: "Cancelled"},
			},
		}),
		NewChange(changes),
		NewClientConfig("info"),
	}

	seen := map[Kind]bool{}
	for _, original := range envelopes {
		data, err := json.Marshal(original)
		if err != nil {
			t.Fatalf("marshal %s: %v", original.Kind, err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", original.Kind, err)
		}
		if decoded.Kind != original.Kind || decoded.Level != original.Level {
			t.Fatalf("expected %s/%s, got %s/%s", original.Level, original.Kind, decoded.Level, decoded.Kind)
		}
		if !reflect.DeepEqual(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch for %s:\nexpected %#v\ngot      %#v", original.Kind, original.Payload, decoded.Payload)
		}
		seen[original.Kind] = true
	}
	for _, kind := range Kinds() {
		if !seen[kind] {
			t.Fatalf("round trip does not cover kind %s", kind)
		}
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	data, err := json.Marshal(NewOutputLine(StreamStdout, "t1", "hello", "[run]"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	expected := `{"level":"external","kind":"OutputLine","payload":{"kind":"Stdout","payload":{"task_id":"t1","line":"hello","prefix":"[run]"}}}`
	if string(data) != expected {
		t.Fatalf("expected %s, got %s", expected, data)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"Teleported","payload":{}}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	_, err = Decode([]byte(`not json`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	_, err = Decode([]byte(`{"payload":{}}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for missing kind, got %v", err)
	}
}

func TestMarshalRejectsMismatchedPayload(t *testing.T) {
	_, err := json.Marshal(Envelope{Kind: KindWatching, Payload: FileChangedPayload{Path: "x"}})
	if err == nil || !strings.Contains(err.Error(), "payload does not match") {
		t.Fatalf("expected payload mismatch error, got %v", err)
	}
}

func TestPeekKind(t *testing.T) {
	kind, ok := PeekKind([]byte(`{"kind":"FilesChanged","payload":{"paths":[]}}`))
	if !ok || kind != KindFilesChanged {
		t.Fatalf("expected FilesChanged, got %q (%v)", kind, ok)
	}
	if _, ok := PeekKind([]byte(`{"kind":"Other"}`)); ok {
		t.Fatal("expected unknown kind to report false")
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestFlattenPreservesOrder(t *testing.T) {
	set := FsMany(
		Fs("a.css", ChangeChanged),
		FsMany(Fs("b.png", ChangeAdded), Fs("c.html", ChangeRemoved)),
		Fs("d.js", ChangeChanged),
	)
	leaves, err := set.Flatten()
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	got := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		got = append(got, leaf.Path)
	}
	expected := []string{"a.css", "b.png", "c.html", "d.js"}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}

func TestFlattenRejectsExcessiveNesting(t *testing.T) {
	set := Fs("deep.css", ChangeChanged)
	for i := 0; i <= MaxChangeSetDepth+1; i++ {
		set = FsMany(set)
	}
	if _, err := set.Flatten(); !errors.Is(err, ErrChangeSetTooDeep) {
		t.Fatalf("expected ErrChangeSetTooDeep, got %v", err)
	}
	if paths := set.Paths(); paths != nil {
		t.Fatalf("expected nil paths, got %v", paths)
	}
}

func TestChangeSetJSONShape(t *testing.T) {
	data, err := json.Marshal(FsMany(Fs("a.css", ChangeChanged)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	expected := `{"kind":"FsMany","payload":[{"kind":"Fs","payload":{"path":"a.css","change_kind":"Changed"}}]}`
	if string(data) != expected {
		t.Fatalf("expected %s, got %s", expected, data)
	}
}

func TestDecodeChangeSetDepthLimit(t *testing.T) {
	payload := `{"kind":"Fs","payload":{"path":"x.css","change_kind":"Changed"}}`
	for i := 0; i <= MaxChangeSetDepth+1; i++ {
		payload = `{"kind":"FsMany","payload":[` + payload + `]}`
	}
	var set ChangeSet
	if err := json.Unmarshal([]byte(payload), &set); !errors.Is(err, ErrChangeSetTooDeep) {
		t.Fatalf("expected ErrChangeSetTooDeep, got %v", err)
	}
}

func TestDecodeChangeSetRejectsUnknownChangeKind(t *testing.T) {
	var set ChangeSet
	err := json.Unmarshal([]byte(`{"kind":"Fs","payload":{"path":"x","change_kind":"Renamed"}}`), &set)
	if err == nil || !strings.Contains(err.Error(), "Renamed") {
		t.Fatalf("expected unknown change kind error, got %v", err)
	}
}

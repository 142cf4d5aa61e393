package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxChangeSetDepth bounds FsMany nesting accepted from the wire or flattened in memory.
const MaxChangeSetDepth = 32

var ErrChangeSetTooDeep = errors.New("change set nesting too deep")

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "Added"
	ChangeChanged ChangeKind = "Changed"
	ChangeRemoved ChangeKind = "Removed"
)

func (kind ChangeKind) Valid() bool {
	switch kind {
	case ChangeAdded, ChangeChanged, ChangeRemoved:
		return true
	default:
		return false
	}
}

type PathChange struct {
	Path       string     `json:"path"`
	ChangeKind ChangeKind `json:"change_kind"`
}

type ChangeSetKind string

const (
	ChangeSetFs     ChangeSetKind = "Fs"
	ChangeSetFsMany ChangeSetKind = "FsMany"
)

// ChangeSet is either a single path change (Fs) or an ordered list of change sets (FsMany).
type ChangeSet struct {
	Kind   ChangeSetKind
	Change PathChange
	Many   []ChangeSet
}

func Fs(path string, kind ChangeKind) ChangeSet {
	return ChangeSet{Kind: ChangeSetFs, Change: PathChange{Path: path, ChangeKind: kind}}
}

func FsMany(sets ...ChangeSet) ChangeSet {
	many := make([]ChangeSet, len(sets))
	copy(many, sets)
	return ChangeSet{Kind: ChangeSetFsMany, Many: many}
}

// FromChanges wraps leaf changes into a single-level FsMany.
func FromChanges(changes []PathChange) ChangeSet {
	many := make([]ChangeSet, 0, len(changes))
	for _, change := range changes {
		many = append(many, ChangeSet{Kind: ChangeSetFs, Change: change})
	}
	return ChangeSet{Kind: ChangeSetFsMany, Many: many}
}

type flattenItem struct {
	set   *ChangeSet
	depth int
}

// Flatten returns the leaf changes in order. It walks an explicit stack rather than recursing.
func (set ChangeSet) Flatten() ([]PathChange, error) {
	var leaves []PathChange
	stack := []flattenItem{{set: &set, depth: 0}}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if item.depth > MaxChangeSetDepth {
			return nil, ErrChangeSetTooDeep
		}
		switch item.set.Kind {
		case ChangeSetFs:
			leaves = append(leaves, item.set.Change)
		case ChangeSetFsMany:
			for index := len(item.set.Many) - 1; index >= 0; index-- {
				stack = append(stack, flattenItem{set: &item.set.Many[index], depth: item.depth + 1})
			}
		default:
			return nil, fmt.Errorf("unknown change set kind %q", item.set.Kind)
		}
	}
	return leaves, nil
}

// Paths returns the flattened leaf paths, or nil when the set cannot be flattened.
func (set ChangeSet) Paths() []string {
	leaves, err := set.Flatten()
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		paths = append(paths, leaf.Path)
	}
	return paths
}

type changeSetWire struct {
	Kind    ChangeSetKind   `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (set ChangeSet) MarshalJSON() ([]byte, error) {
	switch set.Kind {
	case ChangeSetFs:
		payload, err := json.Marshal(set.Change)
		if err != nil {
			return nil, err
		}
		return json.Marshal(changeSetWire{Kind: ChangeSetFs, Payload: payload})
	case ChangeSetFsMany:
		many := set.Many
		if many == nil {
			many = []ChangeSet{}
		}
		payload, err := json.Marshal(many)
		if err != nil {
			return nil, err
		}
		return json.Marshal(changeSetWire{Kind: ChangeSetFsMany, Payload: payload})
	default:
		return nil, fmt.Errorf("unknown change set kind %q", set.Kind)
	}
}

func (set *ChangeSet) UnmarshalJSON(data []byte) error {
	decoded, err := decodeChangeSet(data, 0)
	if err != nil {
		return err
	}
	*set = decoded
	return nil
}

func decodeChangeSet(data []byte, depth int) (ChangeSet, error) {
	if depth > MaxChangeSetDepth {
		return ChangeSet{}, ErrChangeSetTooDeep
	}
	var wire changeSetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return ChangeSet{}, err
	}
	switch wire.Kind {
	case ChangeSetFs:
		var change PathChange
		if err := json.Unmarshal(wire.Payload, &change); err != nil {
			return ChangeSet{}, err
		}
		if !change.ChangeKind.Valid() {
			return ChangeSet{}, fmt.Errorf("unknown change kind %q", change.ChangeKind)
		}
		return ChangeSet{Kind: ChangeSetFs, Change: change}, nil
	case ChangeSetFsMany:
		var raw []json.RawMessage
		if len(bytes.TrimSpace(wire.Payload)) > 0 {
			if err := json.Unmarshal(wire.Payload, &raw); err != nil {
				return ChangeSet{}, err
			}
		}
		many := make([]ChangeSet, 0, len(raw))
		for _, item := range raw {
			child, err := decodeChangeSet(item, depth+1)
			if err != nil {
				return ChangeSet{}, err
			}
			many = append(many, child)
		}
		return ChangeSet{Kind: ChangeSetFsMany, Many: many}, nil
	default:
		return ChangeSet{}, fmt.Errorf("unknown change set kind %q", wire.Kind)
	}
}

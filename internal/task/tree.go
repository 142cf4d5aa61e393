package task

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/jedib0t/go-pretty/v6/list"
)

var (
	ErrEmptyCommand = errors.New("runnable has no command")
	ErrUnknownKind  = errors.New("unknown node kind")
)

// Tree is an immutable, id-assigned copy of a node structure. Configuration reloads
// build a new Tree rather than mutating an existing one.
type Tree struct {
	root  *Node
	index map[string]*Node
}

// NewTree copies root, validates it and assigns every node a deterministic id
// derived from its parent id, its position among siblings, its kind and its content.
func NewTree(root *Node) (*Tree, error) {
	if root == nil {
		return nil, errors.New("task tree is empty")
	}
	tree := &Tree{index: make(map[string]*Node)}
	copied, err := tree.assign(root, "", 0)
	if err != nil {
		return nil, err
	}
	tree.root = copied
	return tree, nil
}

func (tree *Tree) assign(source *Node, parentID string, position int) (*Node, error) {
	node := &Node{
		Kind:           source.Kind,
		Label:          source.Label,
		Command:        source.Command,
		Policy:         source.Policy,
		MaxConcurrency: source.MaxConcurrency,
	}
	switch node.Kind {
	case KindRunnable:
		if strings.TrimSpace(node.Command.Sh) == "" {
			return nil, fmt.Errorf("%w at position %d under %q", ErrEmptyCommand, position, parentID)
		}
	case KindSeq, KindPar:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, node.Kind)
	}
	node.ID = nodeID(parentID, position, node)
	if node.Label == "" {
		node.Label = node.defaultLabel()
	}
	tree.index[node.ID] = node

	for index, child := range source.Children {
		if child == nil {
			continue
		}
		copied, err := tree.assign(child, node.ID, index)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, copied)
	}
	return node, nil
}

func nodeID(parentID string, position int, node *Node) string {
	digest := xxhash.New()
	write := func(value string) {
		_, _ = digest.WriteString(value)
		_, _ = digest.Write([]byte{0})
	}
	write(parentID)
	write(strconv.Itoa(position))
	write(string(node.Kind))
	switch node.Kind {
	case KindRunnable:
		write(node.Command.Sh)
		write(node.Command.Name)
		write(node.Command.Dir)
		keys := make([]string, 0, len(node.Command.Env))
		for key := range node.Command.Env {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			write(key + "=" + node.Command.Env[key])
		}
	default:
		write(node.Policy.String())
		write(strconv.Itoa(node.MaxConcurrency))
	}
	return fmt.Sprintf("%016x", digest.Sum64())
}

func (tree *Tree) Root() *Node {
	if tree == nil {
		return nil
	}
	return tree.root
}

func (tree *Tree) Find(id string) (*Node, bool) {
	if tree == nil {
		return nil, false
	}
	node, ok := tree.index[id]
	return node, ok
}

// Walk visits nodes depth-first in declaration order. Returning false skips the node's children.
func (tree *Tree) Walk(visit func(node *Node, depth int) bool) {
	if tree == nil || tree.root == nil {
		return
	}
	var walk func(node *Node, depth int)
	walk = func(node *Node, depth int) {
		if !visit(node, depth) {
			return
		}
		for _, child := range node.Children {
			walk(child, depth+1)
		}
	}
	walk(tree.root, 0)
}

func (tree *Tree) Runnables() []*Node {
	var out []*Node
	tree.Walk(func(node *Node, depth int) bool {
		if node.Kind == KindRunnable {
			out = append(out, node)
		}
		return true
	})
	return out
}

// Render draws the tree for dry runs: one "label [id]" line per node, children indented.
// No runs are created.
func (tree *Tree) Render() string {
	writer := list.NewWriter()
	writer.SetStyle(list.StyleDefault)
	depth := 0
	tree.Walk(func(node *Node, nodeDepth int) bool {
		for depth < nodeDepth {
			writer.Indent()
			depth++
		}
		for depth > nodeDepth {
			writer.UnIndent()
			depth--
		}
		writer.AppendItem(node.Label + " [" + node.ID + "]")
		return true
	})
	return writer.Render()
}

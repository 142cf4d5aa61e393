// Package task holds the declarative task model: runnable leaves composed with
// Seq and Par, deterministic node ids, dry-run rendering and the per-run state machine.
package task

import (
	"strconv"
)

type Kind string

const (
	KindRunnable Kind = "Runnable"
	KindSeq      Kind = "Seq"
	KindPar      Kind = "Par"
)

// FailurePolicy decides what a group does when a child fails.
type FailurePolicy int

const (
	// StopOnFailure cancels the remaining children (Seq) or the siblings (Par).
	StopOnFailure FailurePolicy = iota
	IgnoreFailures
)

func (policy FailurePolicy) String() string {
	if policy == IgnoreFailures {
		return "ignore-failures"
	}
	return "stop-on-failure"
}

const DefaultMaxConcurrency = 5

// Node is one element of a task tree. Build nodes with Runnable, Seq and Par;
// ids are assigned by NewTree.
type Node struct {
	Kind           Kind
	ID             string
	Label          string
	Command        Command
	Children       []*Node
	Policy         FailurePolicy
	MaxConcurrency int
}

func Runnable(command Command) *Node {
	return &Node{Kind: KindRunnable, Command: command}
}

func Seq(children ...*Node) *Node {
	return &Node{Kind: KindSeq, Children: children}
}

func Par(children ...*Node) *Node {
	return &Node{Kind: KindPar, Children: children}
}

func (node *Node) WithLabel(label string) *Node {
	node.Label = label
	return node
}

func (node *Node) WithPolicy(policy FailurePolicy) *Node {
	node.Policy = policy
	return node
}

func (node *Node) WithMax(max int) *Node {
	node.MaxConcurrency = max
	return node
}

// Concurrency is the effective bound for a Par node.
func (node *Node) Concurrency() int {
	if node.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return node.MaxConcurrency
}

func (node *Node) defaultLabel() string {
	switch node.Kind {
	case KindRunnable:
		return node.Command.label()
	case KindPar:
		label := "par (max " + strconv.Itoa(node.Concurrency()) + ")"
		if node.Policy == IgnoreFailures {
			label += " " + node.Policy.String()
		}
		return label
	default:
		if node.Policy == IgnoreFailures {
			return "seq " + node.Policy.String()
		}
		return "seq"
	}
}

// Package graph materializes the full agent graph for one root definition:
// the root agent plus every transitively referenced subagent, resolved
// through the config resolver, with shared nodes for diamond references and
// hard rejection of cycles and pathological depth. The resulting Graph is
// immutable and safe for concurrent read-only use across sessions.
package graph

import (
	"fmt"
	"strings"

	"github.com/famulus-ai/famulus/config"
)

// Node is one resolved agent in the graph. Tool edges are carried as the
// spec's tool ids (bound later, per session); delegation edges as resolved
// child nodes in declaration order. A node with no Subagents is a leaf agent
// that operates independently.
type Node struct {
	Spec      *config.AgentSpec
	Subagents []*Node
}

// Name returns the agent's display/reference name.
func (n *Node) Name() string { return n.Spec.Name }

// Ref returns the agent's two-part config identifier.
func (n *Node) Ref() config.Ref { return n.Spec.Ref }

// Subagent returns the delegation target with the given name, or nil.
func (n *Node) Subagent(name string) *Node {
	for _, sub := range n.Subagents {
		if sub.Name() == name {
			return sub
		}
	}
	return nil
}

// Graph is the directed acyclic structure of agent nodes rooted at the
// top-level agent. A subagent reachable by more than one path is
// represented once and shared.
type Graph struct {
	Root   *Node
	byRef  map[config.Ref]*Node
	byName map[string]*Node
}

// Node returns the node for a config ref, or nil.
func (g *Graph) Node(ref config.Ref) *Node { return g.byRef[ref] }

// NodeByName returns the node with the given agent name, or nil. Names are
// unique within a graph.
func (g *Graph) NodeByName(name string) *Node { return g.byName[name] }

// Len returns the number of distinct agents in the graph.
func (g *Graph) Len() int { return len(g.byRef) }

// Nodes returns every distinct node in the graph, in unspecified order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.byRef))
	for _, n := range g.byRef {
		nodes = append(nodes, n)
	}
	return nodes
}

// CycleError reports a delegation reference cycle. Path lists the refs on
// the resolution path, ending with the ref that closed the cycle.
type CycleError struct {
	Path []config.Ref
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, ref := range e.Path {
		parts[i] = ref.String()
	}
	return fmt.Sprintf("cyclic delegation: %s", strings.Join(parts, " -> "))
}

// DepthError reports an acyclic but pathologically deep delegation chain.
type DepthError struct {
	Ref   config.Ref
	Limit int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("agent graph too deep at %s: delegation depth exceeds %d", e.Ref, e.Limit)
}

// ReferenceError reports a subagent reference that failed to resolve while
// walking the graph.
type ReferenceError struct {
	From config.Ref
	To   config.Ref
	Err  error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("agent %s references %s: %v", e.From, e.To, e.Err)
}

func (e *ReferenceError) Unwrap() error { return e.Err }

// NameConflictError reports two distinct definitions sharing one agent name.
// Delegation targets are addressed by name, so names must be unique within
// the graph an agent participates in.
type NameConflictError struct {
	Name string
	A, B config.Ref
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("agent name %q used by both %s and %s", e.Name, e.A, e.B)
}

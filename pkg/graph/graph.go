// Package graph is a small compiled DAG interpreter for scan workflows.
// Nodes are pure transformations from state to state; edges are either
// unconditional or routed by a function of the state. A graph is compiled
// once and then run per scan.
package graph

import (
	"context"
	"fmt"

	"github.com/deplai/scan-engine/pkg/domain/errors"
	"github.com/deplai/scan-engine/pkg/domain/scan"
)

// End is the reserved terminal target.
const End = "__end__"

// Node transforms one state snapshot into the next.
type Node func(ctx context.Context, s scan.State) (scan.State, error)

// Router picks the label of the outgoing edge for the current state.
type Router func(s scan.State) string

// maxSteps bounds any single run; a compiled scan graph is a few dozen
// nodes, so hitting this means a routing cycle.
const maxSteps = 256

type conditionalEdge struct {
	route   Router
	targets map[string]string
}

// Builder accumulates nodes and edges before compilation.
type Builder struct {
	nodes       map[string]Node
	edges       map[string]string
	conditional map[string]conditionalEdge
	entry       string
}

func New() *Builder {
	return &Builder{
		nodes:       map[string]Node{},
		edges:       map[string]string{},
		conditional: map[string]conditionalEdge{},
	}
}

// AddNode registers a named node. Duplicate names are a programming error.
func (b *Builder) AddNode(name string, fn Node) *Builder {
	if _, dup := b.nodes[name]; dup {
		panic(fmt.Sprintf("duplicate node registration: %s", name))
	}
	b.nodes[name] = fn
	return b
}

// AddEdge wires an unconditional transition.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges[from] = to
	return b
}

// AddConditionalEdge wires a routed transition. The router returns a label;
// targets maps labels to node names (or End).
func (b *Builder) AddConditionalEdge(from string, route Router, targets map[string]string) *Builder {
	b.conditional[from] = conditionalEdge{route: route, targets: targets}
	return b
}

// SetEntry names the first node to run.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// Graph is a validated, runnable workflow.
type Graph struct {
	nodes       map[string]Node
	edges       map[string]string
	conditional map[string]conditionalEdge
	entry       string
}

// Compile validates that every edge target resolves to a known node.
func (b *Builder) Compile() (*Graph, error) {
	if b.entry == "" {
		return nil, errors.New(errors.CodeInvalidState, "graph", "entry node not set", nil)
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, errors.New(errors.CodeInvalidState, "graph", "entry node not registered: "+b.entry, nil)
	}
	check := func(from, to string) error {
		if to == End {
			return nil
		}
		if _, ok := b.nodes[to]; !ok {
			return errors.New(errors.CodeInvalidState, "graph",
				fmt.Sprintf("edge %s -> %s targets unknown node", from, to), nil)
		}
		return nil
	}
	for from, to := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, errors.New(errors.CodeInvalidState, "graph", "edge from unknown node: "+from, nil)
		}
		if err := check(from, to); err != nil {
			return nil, err
		}
	}
	for from, ce := range b.conditional {
		if _, ok := b.nodes[from]; !ok {
			return nil, errors.New(errors.CodeInvalidState, "graph", "conditional edge from unknown node: "+from, nil)
		}
		for _, to := range ce.targets {
			if err := check(from, to); err != nil {
				return nil, err
			}
		}
	}
	for name := range b.nodes {
		_, hasEdge := b.edges[name]
		_, hasCond := b.conditional[name]
		if !hasEdge && !hasCond {
			return nil, errors.New(errors.CodeInvalidState, "graph", "node has no outgoing edge: "+name, nil)
		}
	}
	return &Graph{nodes: b.nodes, edges: b.edges, conditional: b.conditional, entry: b.entry}, nil
}

// Run executes the graph to End. Each node receives its own snapshot, and
// every produced snapshot is re-validated so a secret-key violation from any
// node surfaces immediately.
func (g *Graph) Run(ctx context.Context, s scan.State) (scan.State, error) {
	cur := s.Clone()
	node := g.entry
	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			return cur, errors.New(errors.CodeInvalidState, "graph", "step bound exceeded at node "+node, nil)
		}
		if err := ctx.Err(); err != nil {
			return cur, errors.New(errors.CodeTimeoutError, "graph", "run cancelled at node "+node, err)
		}

		next, err := g.nodes[node](ctx, cur.Clone())
		if err != nil {
			return cur, err
		}
		if err := next.Validate(); err != nil {
			return cur, err
		}
		cur = next

		target, err := g.next(node, cur)
		if err != nil {
			return cur, err
		}
		if target == End {
			return cur, nil
		}
		node = target
	}
}

func (g *Graph) next(node string, s scan.State) (string, error) {
	if to, ok := g.edges[node]; ok {
		return to, nil
	}
	ce, ok := g.conditional[node]
	if !ok {
		return "", errors.New(errors.CodeInvalidState, "graph", "no outgoing edge from node "+node, nil)
	}
	label := ce.route(s)
	to, ok := ce.targets[label]
	if !ok {
		return "", errors.New(errors.CodeInvalidState, "graph",
			fmt.Sprintf("router at %s returned unknown label %q", node, label), nil)
	}
	return to, nil
}

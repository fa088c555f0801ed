package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/calderahq/caldera/pkg/template"
)

// Graph is the dependency graph over a stack's resources. Edges point
// from a dependency to its dependents: the dependency must finish before
// any dependent starts.
type Graph struct {
	// nodes is the set of resource names.
	nodes map[string]bool

	// dependents maps a resource to the resources that depend on it.
	dependents map[string][]string

	// dependencies maps a resource to the resources it depends on.
	dependencies map[string][]string
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:        make(map[string]bool),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
	}
}

// BuildGraph constructs the dependency graph of a template from explicit
// depends_on entries and implicit get_resource / get_attr references.
func BuildGraph(tpl *template.Template) (*Graph, error) {
	g := NewGraph()
	for name := range tpl.Resources {
		g.AddNode(name)
	}
	for name, def := range tpl.Resources {
		for _, dep := range tpl.Dependencies(def) {
			if err := g.AddEdge(dep, name); err != nil {
				return nil, err
			}
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeValidation)
	}
	return g, nil
}

// AddNode adds a resource to the graph. Adding a node twice is a no-op.
func (g *Graph) AddNode(name string) {
	g.nodes[name] = true
}

// AddEdge records that dependent requires dep to finish first.
func (g *Graph) AddEdge(dep, dependent string) error {
	if !g.nodes[dep] {
		return NewPermanentError(
			fmt.Sprintf("resource %q depends on unknown resource %q", dependent, dep), nil).
			WithCode(ErrCodeValidation).WithResource(dependent)
	}
	if !g.nodes[dependent] {
		return NewPermanentError(fmt.Sprintf("unknown resource %q", dependent), nil).
			WithCode(ErrCodeValidation)
	}
	g.dependents[dep] = append(g.dependents[dep], dependent)
	g.dependencies[dependent] = append(g.dependencies[dependent], dep)
	return nil
}

// Nodes returns all resource names in sorted order.
func (g *Graph) Nodes() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependencies returns the direct dependencies of a resource.
func (g *Graph) Dependencies(name string) []string {
	return g.dependencies[name]
}

// Dependents returns the resources that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// Levels computes topological execution levels with Kahn's algorithm.
// Resources within a level share no ordering constraint and may run in
// parallel. Levels fails on a cyclic graph.
func (g *Graph) Levels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		inDegree[name] = len(g.dependencies[name])
	}

	var current []string
	for name, degree := range inDegree {
		if degree == 0 {
			current = append(current, name)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range g.dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(g.nodes) {
		cycle := g.findCycle()
		return nil, NewPermanentError(
			fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeValidation)
	}
	return levels, nil
}

// findCycle returns one dependency cycle as a path ending on its start
// node, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var cycle []string
	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, dependent := range g.dependents[name] {
			if !visited[dependent] {
				if visit(dependent, path) {
					return true
				}
			} else if onStack[dependent] {
				for i, n := range path {
					if n == dependent {
						cycle = append(append([]string{}, path[i:]...), dependent)
						return true
					}
				}
			}
		}
		onStack[name] = false
		return false
	}

	for _, name := range g.Nodes() {
		if !visited[name] && visit(name, nil) {
			return cycle
		}
	}
	return nil
}

// Reverse returns the graph with every edge flipped. Delete traversals
// run on the reversed graph so dependents are removed before their
// dependencies.
func (g *Graph) Reverse() *Graph {
	r := NewGraph()
	for name := range g.nodes {
		r.AddNode(name)
	}
	for dep, dependents := range g.dependents {
		for _, dependent := range dependents {
			r.dependents[dependent] = append(r.dependents[dependent], dep)
			r.dependencies[dep] = append(r.dependencies[dep], dependent)
		}
	}
	return r
}

// Subgraph returns the induced subgraph over the given resource names.
// Edges to or from excluded nodes are dropped.
func (g *Graph) Subgraph(names []string) *Graph {
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		if g.nodes[name] {
			keep[name] = true
		}
	}

	sub := NewGraph()
	for name := range keep {
		sub.AddNode(name)
	}
	for dep, dependents := range g.dependents {
		if !keep[dep] {
			continue
		}
		for _, dependent := range dependents {
			if keep[dependent] {
				sub.dependents[dep] = append(sub.dependents[dep], dependent)
				sub.dependencies[dependent] = append(sub.dependencies[dependent], dep)
			}
		}
	}
	return sub
}

// ToDOT renders the graph in DOT format for Graphviz.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph stack {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	levels, err := g.Levels()
	if err != nil {
		// Cyclic graphs render without level clusters.
		for _, name := range g.Nodes() {
			sb.WriteString(fmt.Sprintf("  %q;\n", name))
		}
	} else {
		for i, level := range levels {
			sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", i))
			sb.WriteString(fmt.Sprintf("    label=\"level %d\";\n", i))
			sb.WriteString("    style=dashed;\n")
			for _, name := range level {
				sb.WriteString(fmt.Sprintf("    %q;\n", name))
			}
			sb.WriteString("  }\n\n")
		}
	}

	for _, dep := range g.Nodes() {
		dependents := append([]string{}, g.dependents[dep]...)
		sort.Strings(dependents)
		for _, dependent := range dependents {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, dependent))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

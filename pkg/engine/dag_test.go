package engine

import (
	"reflect"
	"strings"
	"testing"

	"github.com/calderahq/caldera/pkg/template"
)

func parseTemplate(t *testing.T, doc string) *template.Template {
	t.Helper()
	tpl, err := template.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	return tpl
}

func TestBuildGraphLevels(t *testing.T) {
	tpl := parseTemplate(t, `
caldera_template_version: "2026-08-24"
resources:
  network:
    type: core.none
  server_a:
    type: core.none
    properties:
      net: {get_resource: network}
  server_b:
    type: core.none
    depends_on: network
  lb:
    type: core.none
    depends_on: [server_a, server_b]
`)

	g, err := BuildGraph(tpl)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	want := [][]string{
		{"network"},
		{"server_a", "server_b"},
		{"lb"},
	}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("levels = %v, want %v", levels, want)
	}

	if deps := g.Dependencies("lb"); len(deps) != 2 {
		t.Errorf("lb dependencies: %v", deps)
	}
	if deps := g.Dependents("network"); len(deps) != 2 {
		t.Errorf("network dependents: %v", deps)
	}
}

func TestBuildGraphCycle(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")
	g.AddNode("b")
	g.AddNode("c")
	for _, e := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}

	_, err := g.Levels()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("error does not name the cycle: %v", err)
	}
	if !IsPermanent(err) {
		t.Errorf("cycle error not permanent: %v", err)
	}
}

func TestAddEdgeUnknownResource(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")
	if err := g.AddEdge("missing", "a"); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestGraphReverse(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")
	g.AddNode("b")
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	r := g.Reverse()
	levels, err := r.Levels()
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	want := [][]string{{"b"}, {"a"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("reversed levels = %v, want %v", levels, want)
	}
}

func TestGraphSubgraph(t *testing.T) {
	g := NewGraph()
	for _, n := range []string{"a", "b", "c"} {
		g.AddNode(n)
	}
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := g.AddEdge("b", "c"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	sub := g.Subgraph([]string{"a", "c"})
	if got := sub.Nodes(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("subgraph nodes = %v", got)
	}
	// The a->b->c chain is cut; a and c become independent.
	levels, err := sub.Levels()
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(levels) != 1 || len(levels[0]) != 2 {
		t.Errorf("subgraph levels = %v", levels)
	}
}

func TestGraphToDOT(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")
	g.AddNode("b")
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	dot := g.ToDOT()
	for _, want := range []string{"digraph stack", `"a" -> "b";`, "cluster_level_0"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}

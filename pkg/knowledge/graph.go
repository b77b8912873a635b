// Package knowledge implements the hierarchical memory network: a leveled graph of the target
// codebase (symbols, modules, subsystems, project) that answers ranked context queries for
// pipeline stages.
package knowledge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/awalterschulze/gographviz"
)

// Level is the abstraction level of a memory node.
type Level string

const (
	LevelSymbol    Level = "symbol"
	LevelModule    Level = "module"
	LevelSubsystem Level = "subsystem"
	LevelProject   Level = "project"
)

// Levels lists every level from finest to coarsest.
//
//nolint:gochecknoglobals // closed enumeration
var Levels = []Level{LevelSymbol, LevelModule, LevelSubsystem, LevelProject}

// Valid reports whether l is a defined level.
func (l Level) Valid() bool {
	switch l {
	case LevelSymbol, LevelModule, LevelSubsystem, LevelProject:
		return true
	}
	return false
}

// Edge relations.
const (
	RelContains = "contains"
	RelDefines  = "defines"
	RelCalls    = "calls"
	RelImports  = "imports"
)

// Node is a memory node. Nodes are immutable once their generation is published.
type Node struct {
	ID      string   `json:"id"`
	Level   Level    `json:"level"`
	Name    string   `json:"name"`
	Summary string   `json:"summary"`
	Path    string   `json:"path,omitempty"`    // file for symbol/module nodes, directory for subsystems
	Package string   `json:"package,omitempty"` // package directory the node belongs to
	Tokens  []string `json:"-"`
}

// Edge is a directed relation between two nodes of the same graph.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// Graph is a leveled directed graph. It is mutable while being built and read-only afterwards.
type Graph struct {
	Nodes map[string]*Node
	Edges []*Edge
	out   map[string][]string
	in    map[string][]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: make([]*Edge, 0),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// AddNode inserts n, replacing any node with the same ID.
func (g *Graph) AddNode(n *Node) {
	g.Nodes[n.ID] = n
}

// AddEdge links two existing nodes. Edges to unknown nodes are rejected so a graph never
// references nodes outside itself.
func (g *Graph) AddEdge(from, to, relation string) error {
	if _, ok := g.Nodes[from]; !ok {
		return fmt.Errorf("edge %s -> %s: unknown source", from, to)
	}
	if _, ok := g.Nodes[to]; !ok {
		return fmt.Errorf("edge %s -> %s: unknown target", from, to)
	}
	g.Edges = append(g.Edges, &Edge{From: from, To: to, Relation: relation})
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
	return nil
}

// Out returns the targets of edges leaving id.
func (g *Graph) Out(id string) []string {
	return g.out[id]
}

// In returns the sources of edges entering id.
func (g *Graph) In(id string) []string {
	return g.in[id]
}

// IDs returns every node id in ascending order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CountByLevel returns the number of nodes per level.
func (g *Graph) CountByLevel() map[Level]int {
	out := make(map[Level]int, len(Levels))
	for _, n := range g.Nodes {
		out[n.Level]++
	}
	return out
}

// Filter creates a new graph containing only nodes matching the predicate.
// Edges are preserved only if both nodes are included.
func (g *Graph) Filter(predicate func(*Node) bool) *Graph {
	result := NewGraph()
	for id, node := range g.Nodes {
		if predicate(node) {
			result.Nodes[id] = node
		}
	}
	for _, edge := range g.Edges {
		_, fromOK := result.Nodes[edge.From]
		_, toOK := result.Nodes[edge.To]
		if fromOK && toOK {
			_ = result.AddEdge(edge.From, edge.To, edge.Relation)
		}
	}
	return result
}

// Subgraph creates a new graph containing the given nodes and their neighbors up to depth.
// depth=0 means only the given nodes, depth=1 includes immediate neighbors, etc.
func (g *Graph) Subgraph(nodeIDs []string, depth int) *Graph {
	if depth < 0 {
		depth = 0
	}

	included := make(map[string]bool)
	for _, id := range nodeIDs {
		if _, exists := g.Nodes[id]; exists {
			included[id] = true
		}
	}

	for d := 0; d < depth; d++ {
		neighbors := make(map[string]bool)
		for id := range included {
			for _, n := range g.out[id] {
				neighbors[n] = true
			}
			for _, n := range g.in[id] {
				neighbors[n] = true
			}
		}
		for id := range neighbors {
			included[id] = true
		}
	}

	return g.Filter(func(n *Node) bool { return included[n.ID] })
}

// ToDOT renders the graph in Graphviz DOT with nodes grouped by level.
func (g *Graph) ToDOT(name string) (string, error) {
	gv := gographviz.NewGraph()
	if err := gv.SetName(strconv.Quote(name)); err != nil {
		return "", err
	}
	if err := gv.SetDir(true); err != nil {
		return "", err
	}
	for _, id := range g.IDs() {
		n := g.Nodes[id]
		attrs := map[string]string{
			"label":   strconv.Quote(n.Name),
			"group":   strconv.Quote(string(n.Level)),
			"tooltip": strconv.Quote(n.Summary),
			"shape":   shapeFor(n.Level),
		}
		if n.Path != "" {
			attrs["comment"] = strconv.Quote(n.Path)
		}
		if err := gv.AddNode(gv.Name, strconv.Quote(id), attrs); err != nil {
			return "", fmt.Errorf("dot node %s: %w", id, err)
		}
	}
	for _, e := range g.Edges {
		if err := gv.AddEdge(strconv.Quote(e.From), strconv.Quote(e.To), true,
			map[string]string{"label": strconv.Quote(e.Relation)}); err != nil {
			return "", fmt.Errorf("dot edge %s -> %s: %w", e.From, e.To, err)
		}
	}
	return gv.String(), nil
}

// ParseDOT reads a graph previously written by ToDOT.
func ParseDOT(content string) (*Graph, error) {
	result := NewGraph()
	if strings.TrimSpace(content) == "" {
		return result, nil
	}

	gv, err := gographviz.Read([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DOT: %w", err)
	}

	for name, node := range gv.Nodes.Lookup {
		id := unquote(name)
		n := &Node{
			ID:      id,
			Name:    attr(node.Attrs, "label"),
			Level:   Level(attr(node.Attrs, "group")),
			Summary: attr(node.Attrs, "tooltip"),
			Path:    attr(node.Attrs, "comment"),
		}
		n.Tokens = nodeTokens(n)
		result.AddNode(n)
	}
	for _, e := range gv.Edges.Edges {
		if err := result.AddEdge(unquote(e.Src), unquote(e.Dst), attr(e.Attrs, "label")); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func shapeFor(l Level) string {
	switch l {
	case LevelProject:
		return "doubleoctagon"
	case LevelSubsystem:
		return "folder"
	case LevelModule:
		return "note"
	}
	return "ellipse"
}

// unquote removes surrounding quotes from a DOT identifier if present.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

func attr(attrs gographviz.Attrs, key string) string {
	for k, v := range attrs {
		if string(k) == key {
			return unquote(v)
		}
	}
	return ""
}

package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	g.AddNode(&Node{ID: ProjectID("p"), Level: LevelProject, Name: "p"})
	g.AddNode(&Node{ID: SubsystemID("a"), Level: LevelSubsystem, Name: "a", Path: "a"})
	g.AddNode(&Node{ID: ModuleID("a/x.go"), Level: LevelModule, Name: "x.go", Path: "a/x.go", Summary: `says "hi"`})
	g.AddNode(&Node{ID: SymbolID("a.Run"), Level: LevelSymbol, Name: "Run", Path: "a/x.go"})
	g.AddNode(&Node{ID: SymbolID("a.helper"), Level: LevelSymbol, Name: "helper", Path: "a/x.go"})
	require.NoError(t, g.AddEdge(ProjectID("p"), SubsystemID("a"), RelContains))
	require.NoError(t, g.AddEdge(SubsystemID("a"), ModuleID("a/x.go"), RelContains))
	require.NoError(t, g.AddEdge(ModuleID("a/x.go"), SymbolID("a.Run"), RelDefines))
	require.NoError(t, g.AddEdge(ModuleID("a/x.go"), SymbolID("a.helper"), RelDefines))
	require.NoError(t, g.AddEdge(SymbolID("a.Run"), SymbolID("a.helper"), RelCalls))
	return g
}

func TestAddEdgeRejectsForeignNodes(t *testing.T) {
	g := sampleGraph(t)
	assert.Error(t, g.AddEdge(SymbolID("a.Run"), SymbolID("elsewhere.X"), RelCalls))
	assert.Error(t, g.AddEdge("missing", SymbolID("a.Run"), RelCalls))
}

func TestSubgraph(t *testing.T) {
	g := sampleGraph(t)

	only := g.Subgraph([]string{SymbolID("a.Run")}, 0)
	assert.Len(t, only.Nodes, 1)
	assert.Empty(t, only.Edges)

	near := g.Subgraph([]string{SymbolID("a.Run")}, 1)
	assert.Len(t, near.Nodes, 3)
	assert.Len(t, near.Edges, 3)
}

func TestValidateGraph(t *testing.T) {
	g := sampleGraph(t)
	assert.Empty(t, ValidateGraph(g))
	assert.NoError(t, ValidateAndReport(g))

	require.NoError(t, g.AddEdge(SymbolID("a.Run"), ProjectID("p"), RelContains))
	g.AddNode(&Node{ID: "bad", Level: "galaxy"})
	errs := ValidateGraph(g)
	require.Len(t, errs, 3) // bad level, missing name, illegal contains
	assert.Error(t, ValidateAndReport(g))
	assert.Len(t, ValidateGraph(nil), 1)
}

func TestDOTRoundTrip(t *testing.T) {
	g := sampleGraph(t)
	dot, err := g.ToDOT("test")
	require.NoError(t, err)
	assert.Contains(t, dot, "digraph")

	parsed, err := ParseDOT(dot)
	require.NoError(t, err)
	assert.Len(t, parsed.Nodes, len(g.Nodes))
	assert.Len(t, parsed.Edges, len(g.Edges))

	mod := parsed.Nodes[ModuleID("a/x.go")]
	require.NotNil(t, mod)
	assert.Equal(t, LevelModule, mod.Level)
	assert.Equal(t, `says "hi"`, mod.Summary)
	assert.Equal(t, "a/x.go", mod.Path)

	empty, err := ParseDOT("  ")
	require.NoError(t, err)
	assert.Empty(t, empty.Nodes)
}

func TestCentrality(t *testing.T) {
	g := sampleGraph(t)
	res := Centrality(g, CentralityOptions{Damping: 0.85, Epsilon: 1e-9, MaxIterations: 200})
	assert.True(t, res.Converged)
	assert.InDelta(t, 1.0, res.Scores[SymbolID("a.helper")], 1e-9, "sink of every chain ranks highest")
	assert.Less(t, res.Scores[ProjectID("p")], res.Scores[SymbolID("a.helper")])

	capped := Centrality(g, CentralityOptions{Damping: 0.85, Epsilon: 1e-12, MaxIterations: 1})
	assert.False(t, capped.Converged)
	assert.Equal(t, 1, capped.Iterations)
	assert.Len(t, capped.Scores, len(g.Nodes))
}

func TestConfidencePosterior(t *testing.T) {
	opts := FeedbackOptions{PriorStrength: 10, UsefulRate: 1, UselessRate: 1}
	assert.InDelta(t, 0.5, Confidence(0.5, Counts{}, opts), 1e-9)
	assert.Greater(t, Confidence(0.5, Counts{Useful: 5}, opts), 0.5)
	assert.Less(t, Confidence(0.5, Counts{Useless: 5}, opts), 0.5)
	assert.InDelta(t, 0.2, Confidence(0.2, Counts{}, opts), 1e-9)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"parse", "http", "request", "v2", "parsehttprequestv2"}, Tokenize("parseHTTPRequest_v2"))
	assert.Equal(t, []string{"charge", "invoice"}, Tokenize("the Charge and the invoice"))
	assert.Equal(t, []string{"billing/charge.go", "store"}, MentionedPaths("edit ./billing/charge.go and store/"))
}

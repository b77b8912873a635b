package knowledge

import (
	"errors"
	"fmt"
	"sort"
)

// ValidationError describes one structural problem in a graph.
type ValidationError struct {
	NodeID  string
	Field   string
	Message string
}

// Error implements the error interface.
func (v ValidationError) Error() string {
	if v.NodeID != "" && v.Field != "" {
		return fmt.Sprintf("node '%s' field '%s': %s", v.NodeID, v.Field, v.Message)
	}
	if v.NodeID != "" {
		return fmt.Sprintf("node '%s': %s", v.NodeID, v.Message)
	}
	return v.Message
}

// allowedRelations lists, per relation, the (from, to) level pairs it may connect.
//
//nolint:gochecknoglobals // static table
var allowedRelations = map[string][][2]Level{
	RelContains: {{LevelProject, LevelSubsystem}, {LevelSubsystem, LevelModule}},
	RelDefines:  {{LevelModule, LevelSymbol}},
	RelCalls:    {{LevelSymbol, LevelSymbol}},
	RelImports:  {{LevelSubsystem, LevelSubsystem}},
}

// ValidateGraph checks levels, required fields and edge shapes, returning every problem found
// in node-id order.
func ValidateGraph(graph *Graph) []ValidationError {
	if graph == nil {
		return []ValidationError{{Message: "graph is nil"}}
	}

	var errs []ValidationError
	for _, id := range graph.IDs() {
		errs = append(errs, validateNode(id, graph.Nodes[id])...)
	}
	for _, edge := range graph.Edges {
		errs = append(errs, validateEdge(edge, graph)...)
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].NodeID < errs[j].NodeID })
	return errs
}

func validateNode(id string, node *Node) []ValidationError {
	var errs []ValidationError
	if node.ID != id {
		errs = append(errs, ValidationError{NodeID: id, Field: "id", Message: fmt.Sprintf("stored under %q", node.ID)})
	}
	if !node.Level.Valid() {
		errs = append(errs, ValidationError{NodeID: id, Field: "level", Message: fmt.Sprintf("invalid level %q", node.Level)})
	}
	if node.Name == "" {
		errs = append(errs, ValidationError{NodeID: id, Field: "name", Message: "name is required"})
	}
	return errs
}

func validateEdge(edge *Edge, graph *Graph) []ValidationError {
	from, fromOK := graph.Nodes[edge.From]
	to, toOK := graph.Nodes[edge.To]
	if !fromOK || !toOK {
		return []ValidationError{{NodeID: edge.From, Message: fmt.Sprintf("edge to %s references a node outside the graph", edge.To)}}
	}
	pairs, known := allowedRelations[edge.Relation]
	if !known {
		return []ValidationError{{NodeID: edge.From, Field: "relation", Message: fmt.Sprintf("unknown relation %q", edge.Relation)}}
	}
	for _, p := range pairs {
		if p[0] == from.Level && p[1] == to.Level {
			return nil
		}
	}
	return []ValidationError{{
		NodeID:  edge.From,
		Field:   "relation",
		Message: fmt.Sprintf("%s may not connect %s to %s (%s)", edge.Relation, from.Level, to.Level, edge.To),
	}}
}

// ValidateAndReport joins all validation errors into one error, or returns nil.
func ValidateAndReport(graph *Graph) error {
	verrs := ValidateGraph(graph)
	if len(verrs) == 0 {
		return nil
	}
	errs := make([]error, 0, len(verrs))
	for _, v := range verrs {
		errs = append(errs, v)
	}
	return fmt.Errorf("graph validation failed with %d errors: %w", len(verrs), errors.Join(errs...))
}

package orch

import (
	"sort"
	"strings"

	"codepipe/pkg/pipeerrors"
	"codepipe/pkg/proto"
)

// CheckPlan verifies that subtask ids are unique and that dependencies form a DAG over known
// ids. A dependency cycle is a CycleError naming the cycle; other defects are validation errors.
func CheckPlan(p *proto.Plan) error {
	ids := make(map[string]*proto.Subtask, len(p.Subtasks))
	for i := range p.Subtasks {
		st := &p.Subtasks[i]
		if _, dup := ids[st.ID]; dup {
			return pipeerrors.New(pipeerrors.KindValidation, proto.StagePlanning, "duplicate subtask id %q", st.ID)
		}
		ids[st.ID] = st
	}
	for i := range p.Subtasks {
		for _, dep := range p.Subtasks[i].DependsOn {
			if _, ok := ids[dep]; !ok {
				return pipeerrors.New(pipeerrors.KindValidation, proto.StagePlanning,
					"subtask %q depends on unknown subtask %q", p.Subtasks[i].ID, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		deps := append([]string(nil), ids[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	order := make([]string, 0, len(ids))
	for id := range ids {
		order = append(order, id)
	}
	sort.Strings(order)
	for _, id := range order {
		if state[id] == unvisited && visit(id) {
			return pipeerrors.New(pipeerrors.KindCycle, proto.StagePlanning,
				"subtask dependencies form a cycle: %s", strings.Join(cycle, " -> "))
		}
	}
	return nil
}

// ExecutionOrder returns the subtasks of an acyclic plan with every subtask after its
// dependencies. Ties keep plan order.
func ExecutionOrder(p *proto.Plan) []proto.Subtask {
	indegree := make(map[string]int, len(p.Subtasks))
	dependents := make(map[string][]string)
	pos := make(map[string]int, len(p.Subtasks))
	for i, st := range p.Subtasks {
		pos[st.ID] = i
		indegree[st.ID] += 0
		for _, dep := range st.DependsOn {
			indegree[st.ID]++
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	var ready []string
	for _, st := range p.Subtasks {
		if indegree[st.ID] == 0 {
			ready = append(ready, st.ID)
		}
	}
	out := make([]proto.Subtask, 0, len(p.Subtasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		out = append(out, p.Subtasks[pos[id]])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return out
}

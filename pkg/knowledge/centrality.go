package knowledge

import "math"

// CentralityOptions bounds the fixed-point iteration.
type CentralityOptions struct {
	Damping       float64
	Epsilon       float64
	MaxIterations int
}

// CentralityResult holds per-node centrality normalized so the most central node scores 1.
type CentralityResult struct {
	Scores     map[string]float64
	Iterations int
	Residual   float64
	// Converged is false when MaxIterations ran out first; Scores then hold the best-so-far vector.
	Converged bool
}

// Centrality computes PageRank over the graph's directed edges. Mass from dangling nodes is
// spread uniformly. Iteration order is fixed by sorted node ids so results are reproducible.
func Centrality(g *Graph, opts CentralityOptions) CentralityResult {
	ids := g.IDs()
	n := len(ids)
	res := CentralityResult{Scores: make(map[string]float64, n), Converged: true}
	if n == 0 {
		return res
	}

	index := make(map[string]int, n)
	for i, id := range ids {
		index[id] = i
	}
	outIdx := make([][]int, n)
	for i, id := range ids {
		for _, to := range g.Out(id) {
			outIdx[i] = append(outIdx[i], index[to])
		}
	}

	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1 / float64(n)
	}
	base := (1 - opts.Damping) / float64(n)

	res.Converged = false
	for iter := 1; iter <= opts.MaxIterations; iter++ {
		dangling := 0.0
		for i := range next {
			next[i] = 0
		}
		for i := 0; i < n; i++ {
			if len(outIdx[i]) == 0 {
				dangling += rank[i]
				continue
			}
			share := rank[i] / float64(len(outIdx[i]))
			for _, j := range outIdx[i] {
				next[j] += share
			}
		}
		spread := opts.Damping * dangling / float64(n)
		residual := 0.0
		for i := 0; i < n; i++ {
			next[i] = base + spread + opts.Damping*next[i]
			residual += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		res.Iterations = iter
		res.Residual = residual
		if residual < opts.Epsilon {
			res.Converged = true
			break
		}
	}

	maxRank := 0.0
	for _, r := range rank {
		maxRank = math.Max(maxRank, r)
	}
	for i, id := range ids {
		if maxRank > 0 {
			res.Scores[id] = rank[i] / maxRank
		}
	}
	return res
}

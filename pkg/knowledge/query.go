package knowledge

import (
	"context"
	"math"
	"path"
	"sort"
	"strings"

	"codepipe/pkg/logx"
	"codepipe/pkg/pipeerrors"
)

// QueryRequest asks for nodes relevant to free text.
type QueryRequest struct {
	// LevelWeights multiplies each node's score by its level weight. Nil weights every level 1;
	// otherwise levels absent from the map, or weighted 0, are excluded.
	LevelWeights map[Level]float64
	// Filter excludes nodes before truncation. Nil keeps everything.
	Filter    func(*Node) bool
	Text      string
	StageHint string
	// Limit caps the result count; 0 uses the configured result limit.
	Limit int
	// HopLimit bounds expansion; 0 uses the configured hop limit and a negative value disables it.
	HopLimit int
}

// RankedNode is one query result.
type RankedNode struct {
	ID         string  `json:"id"`
	Level      Level   `json:"level"`
	Name       string  `json:"name"`
	Summary    string  `json:"summary"`
	Path       string  `json:"path,omitempty"`
	Score      float64 `json:"score"`
	Centrality float64 `json:"centrality"`
	Confidence float64 `json:"confidence"`
	Match      float64 `json:"match"`
	Hops       int     `json:"hops"`
	Generation uint64  `json:"generation"`
}

type candidate struct {
	match float64
	hops  int
}

// Query ranks nodes of the current generation against req:
//  1. resolve the text to symbol nodes by identifier tokens and mentioned file or package paths,
//  2. expand along outgoing and incoming edges up to the hop limit, decaying the match per hop,
//  3. score each node as the weighted sum of centrality, confidence and match times its level weight,
//  4. sort by score descending then id ascending, filter, and truncate.
//
// It fails with NotReady before the first build and returns an empty slice when nothing matches.
func (n *Network) Query(ctx context.Context, req QueryRequest) ([]RankedNode, error) {
	gen := n.current.Load()
	if gen == nil {
		return nil, pipeerrors.New(pipeerrors.KindNotReady, "", "memory network for %s has no built generation", n.workspaceID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := n.feedbackSnapshot()

	hopLimit := req.HopLimit
	switch {
	case hopLimit == 0:
		hopLimit = n.opts.HopLimit
	case hopLimit < 0:
		hopLimit = 0
	}
	limit := req.Limit
	if limit <= 0 {
		limit = n.opts.ResultLimit
	}

	seeds := resolveSeeds(gen, req.Text)
	if len(seeds) == 0 {
		logx.Debug(logx.WithComponent(ctx, "hmn"), "hmn", "no candidates for %q (stage %s)", req.Text, req.StageHint)
		return []RankedNode{}, nil
	}
	cands := expand(gen.Graph, seeds, hopLimit, n.opts.HopDecay)

	w := n.opts.Weights
	results := make([]RankedNode, 0, len(cands))
	for id, c := range cands {
		node := gen.Graph.Nodes[id]
		levelWeight := 1.0
		if req.LevelWeights != nil {
			levelWeight = req.LevelWeights[node.Level]
		}
		if levelWeight <= 0 {
			continue
		}
		if req.Filter != nil && !req.Filter(node) {
			continue
		}
		cent := gen.Centrality.Scores[id]
		conf := Confidence(cent, counts[id], n.opts.Feedback)
		results = append(results, RankedNode{
			ID:         id,
			Level:      node.Level,
			Name:       node.Name,
			Summary:    node.Summary,
			Path:       node.Path,
			Score:      (w.Centrality*cent + w.Confidence*conf + w.Match*c.match) * levelWeight,
			Centrality: cent,
			Confidence: conf,
			Match:      c.match,
			Hops:       c.hops,
			Generation: gen.ID,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// resolveSeeds maps query text to symbol nodes with an initial match strength in (0, 1].
func resolveSeeds(gen *Generation, text string) map[string]float64 {
	seeds := make(map[string]float64)
	raise := func(id string, m float64) {
		if m > seeds[id] {
			seeds[id] = m
		}
	}

	tokens := Tokenize(text)
	queryTokens := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		queryTokens[t] = true
	}
	words := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(text, -1) {
		words[strings.ToLower(w)] = true
	}

	for _, tok := range tokens {
		for _, id := range gen.tokenIndex[tok] {
			if _, done := seeds[id]; done {
				continue
			}
			node := gen.Graph.Nodes[id]
			base := node.Name
			if i := strings.LastIndex(base, "."); i >= 0 {
				base = base[i+1:]
			}
			if words[strings.ToLower(base)] {
				raise(id, 1)
				continue
			}
			matched := 0
			for _, nt := range node.Tokens {
				if queryTokens[nt] {
					matched++
				}
			}
			raise(id, float64(matched)/float64(len(node.Tokens)))
		}
	}

	for _, p := range MentionedPaths(text) {
		for _, mod := range matchingModules(gen.Graph, p) {
			for _, sym := range gen.Graph.Out(mod) {
				raise(sym, 1)
			}
		}
		if _, ok := gen.Graph.Nodes[SubsystemID(p)]; ok {
			for _, mod := range gen.Graph.Out(SubsystemID(p)) {
				if gen.Graph.Nodes[mod].Level != LevelModule {
					continue
				}
				for _, sym := range gen.Graph.Out(mod) {
					raise(sym, 0.5)
				}
			}
		}
	}
	return seeds
}

// matchingModules finds module nodes whose path equals p or ends with "/"+p.
func matchingModules(g *Graph, p string) []string {
	if _, ok := g.Nodes[ModuleID(p)]; ok {
		return []string{ModuleID(p)}
	}
	if path.Ext(p) != ".go" {
		return nil
	}
	var out []string
	for _, id := range g.IDs() {
		node := g.Nodes[id]
		if node.Level == LevelModule && strings.HasSuffix(node.Path, "/"+p) {
			out = append(out, id)
		}
	}
	return out
}

// expand walks up to hopLimit edges in either direction from every seed, keeping for each node
// the strongest decayed match and the hop count it was reached at.
func expand(g *Graph, seeds map[string]float64, hopLimit int, decay float64) map[string]candidate {
	out := make(map[string]candidate, len(seeds))
	ids := make([]string, 0, len(seeds))
	for id := range seeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, seed := range ids {
		m := seeds[seed]
		visited := map[string]bool{seed: true}
		frontier := []string{seed}
		for hop := 0; hop <= hopLimit && len(frontier) > 0; hop++ {
			strength := m * math.Pow(decay, float64(hop))
			var next []string
			for _, id := range frontier {
				if c, ok := out[id]; !ok || strength > c.match {
					out[id] = candidate{match: strength, hops: hop}
				}
				if hop == hopLimit {
					continue
				}
				for _, nb := range append(append([]string(nil), g.Out(id)...), g.In(id)...) {
					if !visited[nb] {
						visited[nb] = true
						next = append(next, nb)
					}
				}
			}
			frontier = next
		}
	}
	return out
}

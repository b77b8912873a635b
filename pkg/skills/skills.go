// Package skills defines the read contract for reusable patterns attached to stage context.
package skills

import (
	"context"
	"sort"
	"strings"
	"sync"

	"codepipe/pkg/knowledge"
)

// Skill is a reusable pattern keyed by signature.
type Skill struct {
	Signature string   `json:"signature" yaml:"signature"`
	Summary   string   `json:"summary" yaml:"summary"`
	Keywords  []string `json:"keywords,omitempty" yaml:"keywords"`
	// Weight scales the match confidence; zero means 1.
	Weight float64 `json:"weight,omitempty" yaml:"weight"`
}

// Match is one ranked skill for a query.
type Match struct {
	Signature  string  `json:"signature"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// Provider returns zero or more ranked matches for a query. Implementations must be safe for
// concurrent use and must not mutate anything the caller passes in.
type Provider interface {
	Match(ctx context.Context, query string, limit int) ([]Match, error)
}

// Static is an in-memory provider matching skills by keyword overlap with the query.
type Static struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewStatic creates a provider seeded with skills.
func NewStatic(skills ...Skill) *Static {
	s := &Static{skills: make(map[string]Skill, len(skills))}
	for _, sk := range skills {
		s.skills[sk.Signature] = sk
	}
	return s
}

// Register adds or replaces a skill.
func (s *Static) Register(sk Skill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[sk.Signature] = sk
}

// Match scores each skill by the fraction of its keywords present in the query, scaled by the
// skill weight. Results are ordered by confidence descending then signature ascending.
func (s *Static) Match(ctx context.Context, query string, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := make(map[string]bool)
	for _, t := range knowledge.Tokenize(query) {
		tokens[t] = true
	}

	s.mu.RLock()
	var out []Match
	for _, sk := range s.skills {
		keywords := sk.Keywords
		if len(keywords) == 0 {
			keywords = knowledge.Tokenize(sk.Signature)
		}
		if len(keywords) == 0 {
			continue
		}
		hit := 0
		for _, k := range keywords {
			if tokens[strings.ToLower(k)] {
				hit++
			}
		}
		if hit == 0 {
			continue
		}
		weight := sk.Weight
		if weight == 0 {
			weight = 1
		}
		out = append(out, Match{
			Signature:  sk.Signature,
			Summary:    sk.Summary,
			Confidence: weight * float64(hit) / float64(len(keywords)),
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Signature < out[j].Signature
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

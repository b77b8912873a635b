package knowledge

import (
	"context"
	"sync"
)

// Counts is the usefulness evidence recorded for one node.
type Counts struct {
	Useful  int `json:"useful"`
	Useless int `json:"useless"`
}

// FeedbackStore persists usefulness evidence per workspace.
type FeedbackStore interface {
	LoadFeedback(ctx context.Context, workspaceID string) (map[string]Counts, error)
	RecordFeedback(ctx context.Context, workspaceID, nodeID string, useful bool) error
}

// FeedbackOptions are the posterior constants.
type FeedbackOptions struct {
	PriorStrength float64
	UsefulRate    float64
	UselessRate   float64
}

// Confidence is the mean of a Beta posterior whose prior is centered on the node's centrality
// with total pseudo-count PriorStrength, updated by weighted usefulness evidence.
func Confidence(centrality float64, c Counts, opts FeedbackOptions) float64 {
	alpha := opts.PriorStrength*centrality + opts.UsefulRate*float64(c.Useful)
	beta := opts.PriorStrength*(1-centrality) + opts.UselessRate*float64(c.Useless)
	if alpha+beta <= 0 {
		return 0
	}
	return alpha / (alpha + beta)
}

// MemoryFeedback is an in-process FeedbackStore.
type MemoryFeedback struct {
	data map[string]map[string]Counts
	mu   sync.Mutex
}

// NewMemoryFeedback creates an empty store.
func NewMemoryFeedback() *MemoryFeedback {
	return &MemoryFeedback{data: make(map[string]map[string]Counts)}
}

// LoadFeedback returns a copy of the counts for workspaceID.
func (m *MemoryFeedback) LoadFeedback(_ context.Context, workspaceID string) (map[string]Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Counts, len(m.data[workspaceID]))
	for k, v := range m.data[workspaceID] {
		out[k] = v
	}
	return out, nil
}

// RecordFeedback adds one observation.
func (m *MemoryFeedback) RecordFeedback(_ context.Context, workspaceID, nodeID string, useful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[workspaceID] == nil {
		m.data[workspaceID] = make(map[string]Counts)
	}
	c := m.data[workspaceID][nodeID]
	if useful {
		c.Useful++
	} else {
		c.Useless++
	}
	m.data[workspaceID][nodeID] = c
	return nil
}

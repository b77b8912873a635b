package memview

import (
	"context"
	"fmt"
	"strings"

	"codepipe/pkg/knowledge"
	"codepipe/pkg/logx"
	"codepipe/pkg/proto"
	"codepipe/pkg/skills"
)

// Querier is the memory network read surface a view needs.
type Querier interface {
	Query(ctx context.Context, req knowledge.QueryRequest) ([]knowledge.RankedNode, error)
}

// Request asks for the context one stage invocation sees.
type Request struct {
	Stage       proto.Stage
	Text        string
	TargetFiles []string
}

// View is the ranked context handed to a worker.
type View struct {
	Stage      proto.Stage            `json:"stage"`
	Nodes      []knowledge.RankedNode `json:"nodes"`
	Skills     []skills.Match         `json:"skills,omitempty"`
	Generation uint64                 `json:"generation,omitempty"`
	Tokens     int                    `json:"tokens"`
	Truncated  bool                   `json:"truncated,omitempty"`
}

// NodeIDs returns the ids of the nodes in rank order.
func (v *View) NodeIDs() []string {
	ids := make([]string, 0, len(v.Nodes))
	for _, n := range v.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Viewer applies lenses to memory queries. It holds no state beyond its configuration.
type Viewer struct {
	lenses  Lenses
	counter *TokenCounter
	skills  skills.Provider
	logger  *logx.Logger
}

// Option configures a Viewer.
type Option func(*Viewer)

// WithSkills attaches skill matches to every view.
func WithSkills(p skills.Provider) Option {
	return func(v *Viewer) { v.skills = p }
}

// WithTokenCounter overrides the token counter.
func WithTokenCounter(tc *TokenCounter) Option {
	return func(v *Viewer) { v.counter = tc }
}

// NewViewer validates lenses and returns a viewer over them.
func NewViewer(lenses Lenses, opts ...Option) (*Viewer, error) {
	if err := lenses.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory lenses: %w", err)
	}
	v := &Viewer{lenses: lenses, logger: logx.NewLogger("memview")}
	for _, opt := range opts {
		opt(v)
	}
	if v.counter == nil {
		tc, err := NewTokenCounter()
		if err != nil {
			v.logger.Warn("token counter unavailable, estimating by length: %v", err)
		}
		v.counter = tc
	}
	return v, nil
}

// Lens returns the lens for stage.
func (v *Viewer) Lens(stage proto.Stage) (Lens, error) {
	lens, ok := v.lenses[stage]
	if !ok {
		return Lens{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	return lens, nil
}

// View queries q through the lens of req.Stage. Memory errors such as NotReady pass through
// unchanged. Nodes past the token budget are dropped from the tail.
func (v *Viewer) View(ctx context.Context, q Querier, req Request) (*View, error) {
	lens, err := v.Lens(req.Stage)
	if err != nil {
		return nil, err
	}

	qr := knowledge.QueryRequest{
		Text:         req.Text,
		StageHint:    string(req.Stage),
		Limit:        lens.Limit,
		HopLimit:     lens.HopLimit,
		LevelWeights: lens.LevelWeights,
	}
	if lens.Filter != nil {
		qr.Filter = func(n *knowledge.Node) bool { return lens.Filter(req, n) }
	}
	nodes, err := q.Query(ctx, qr)
	if err != nil {
		return nil, err
	}

	view := &View{Stage: req.Stage, Nodes: nodes}
	if len(nodes) > 0 {
		view.Generation = nodes[0].Generation
	}
	if lens.TokenBudget > 0 {
		v.trim(view, lens.TokenBudget)
	} else {
		for _, n := range view.Nodes {
			view.Tokens += v.counter.Count(render(n))
		}
	}

	if v.skills != nil && lens.SkillLimit > 0 {
		matches, err := v.skills.Match(ctx, req.Text, lens.SkillLimit)
		if err != nil {
			v.logger.Warn("skill lookup failed for %s: %v", req.Stage, err)
		} else {
			view.Skills = matches
		}
	}
	return view, nil
}

func (v *Viewer) trim(view *View, budget int) {
	used := 0
	for i, n := range view.Nodes {
		cost := v.counter.Count(render(n))
		if used+cost > budget {
			view.Nodes = view.Nodes[:i]
			view.Truncated = true
			break
		}
		used += cost
	}
	view.Tokens = used
}

// render is the text a worker sees for one node.
func render(n knowledge.RankedNode) string {
	var b strings.Builder
	b.WriteString(string(n.Level))
	b.WriteString(" ")
	b.WriteString(n.Name)
	if n.Path != "" {
		b.WriteString(" (")
		b.WriteString(n.Path)
		b.WriteString(")")
	}
	if n.Summary != "" {
		b.WriteString(": ")
		b.WriteString(n.Summary)
	}
	return b.String()
}

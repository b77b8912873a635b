package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codepipe/pkg/codegraph"
	"codepipe/pkg/config"
	"codepipe/pkg/logx"
	"codepipe/pkg/pipeerrors"
)

// Weights combines the three ranking signals.
type Weights struct {
	Centrality float64
	Confidence float64
	Match      float64
}

// Options configures a Network.
type Options struct {
	Weights            Weights
	Feedback           FeedbackOptions
	Centrality         CentralityOptions
	HopLimit           int
	ResultLimit        int
	HopDecay           float64
	StalenessThreshold int
	Watch              bool
}

// OptionsFromConfig maps the memory config section.
func OptionsFromConfig(m config.MemoryConfig) Options {
	return Options{
		HopLimit:           m.HopLimit,
		ResultLimit:        m.ResultLimit,
		HopDecay:           m.HopDecay,
		StalenessThreshold: m.StalenessThreshold,
		Watch:              m.Watch,
		Centrality: CentralityOptions{
			Damping:       m.Centrality.Damping,
			Epsilon:       m.Centrality.Epsilon,
			MaxIterations: m.Centrality.MaxIterations,
		},
		Feedback: FeedbackOptions{
			PriorStrength: m.Feedback.PriorStrength,
			UsefulRate:    m.Feedback.UsefulRate,
			UselessRate:   m.Feedback.UselessRate,
		},
		Weights: Weights{
			Centrality: m.Weights.Centrality,
			Confidence: m.Weights.Confidence,
			Match:      m.Weights.Match,
		},
	}
}

// DefaultOptions returns the options of the default configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Memory)
}

// Generation is one immutable build of the network. Queries pin a generation for their whole
// duration, so a query never observes two generations.
type Generation struct {
	BuiltAt      time.Time
	Graph        *Graph
	Fingerprints map[string]string
	tokenIndex   map[string][]string // token → symbol node ids, ascending
	Centrality   CentralityResult
	ID           uint64
	ParseErrors  int
}

// BuildObserver is notified after every published generation.
type BuildObserver func(workspaceID string, gen *Generation, took time.Duration)

// Network is the hierarchical memory network of one workspace.
type Network struct {
	feedback    FeedbackStore
	observer    BuildObserver
	builder     *codegraph.Builder
	logger      *logx.Logger
	current     atomic.Pointer[Generation]
	counts      map[string]Counts
	dirty       map[string]bool
	watcher     *codegraph.Watcher
	workspaceID string
	name        string
	opts        Options
	nextID      atomic.Uint64
	buildMu     sync.Mutex // exclusive build lock
	fbMu        sync.RWMutex
	dirtyMu     sync.Mutex
	watchMu     sync.Mutex
	rebuilding  atomic.Bool
	fbLoaded    bool
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithFeedbackStore persists usefulness evidence.
func WithFeedbackStore(s FeedbackStore) NetworkOption {
	return func(n *Network) { n.feedback = s }
}

// WithBuildObserver registers a build hook.
func WithBuildObserver(o BuildObserver) NetworkOption {
	return func(n *Network) { n.observer = o }
}

// WithProjectName overrides the project node name.
func WithProjectName(name string) NetworkOption {
	return func(n *Network) { n.name = name }
}

// NewNetwork creates an unbuilt network over the Go sources under root. The workspace id is
// the key feedback is stored under.
func NewNetwork(workspaceID, root string, opts Options, nopts ...NetworkOption) *Network {
	n := &Network{
		workspaceID: workspaceID,
		builder:     codegraph.NewBuilder(root),
		opts:        opts,
		feedback:    NewMemoryFeedback(),
		counts:      make(map[string]Counts),
		dirty:       make(map[string]bool),
		logger:      logx.NewLogger("hmn"),
	}
	for _, o := range nopts {
		o(n)
	}
	return n
}

// WorkspaceID returns the workspace this network indexes.
func (n *Network) WorkspaceID() string {
	return n.workspaceID
}

// Current returns the published generation, or nil before the first build.
func (n *Network) Current() *Generation {
	return n.current.Load()
}

// Ready reports whether a generation has been published.
func (n *Network) Ready() bool {
	return n.current.Load() != nil
}

// Build parses the workspace and atomically publishes a new generation. Concurrent builds are
// serialized; queries keep serving the prior generation until the new one is published.
func (n *Network) Build(ctx context.Context) (*Generation, error) {
	n.buildMu.Lock()
	defer n.buildMu.Unlock()
	start := time.Now()

	if err := n.loadFeedback(ctx); err != nil {
		return nil, err
	}

	snap, err := n.builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("building code graph: %w", err)
	}
	graph, err := FromSnapshot(snap, n.name)
	if err != nil {
		return nil, fmt.Errorf("building memory graph: %w", err)
	}

	cent := Centrality(graph, n.opts.Centrality)
	if !cent.Converged {
		n.logger.Warn("centrality did not converge after %d iterations (residual %.3g); using best-so-far",
			cent.Iterations, cent.Residual)
	}

	gen := &Generation{
		ID:           n.nextID.Add(1),
		BuiltAt:      time.Now(),
		Graph:        graph,
		Centrality:   cent,
		Fingerprints: snap.Fingerprints(),
		ParseErrors:  len(snap.Errors),
		tokenIndex:   buildTokenIndex(graph),
	}
	n.current.Store(gen)

	n.dirtyMu.Lock()
	n.dirty = make(map[string]bool)
	n.dirtyMu.Unlock()

	took := time.Since(start)
	counts := graph.CountByLevel()
	n.logger.Info("published generation %d for %s: %d symbols, %d modules, %d subsystems in %s",
		gen.ID, n.workspaceID, counts[LevelSymbol], counts[LevelModule], counts[LevelSubsystem], took.Round(time.Millisecond))
	if n.observer != nil {
		n.observer(n.workspaceID, gen, took)
	}
	return gen, nil
}

func buildTokenIndex(g *Graph) map[string][]string {
	idx := make(map[string][]string)
	for _, id := range g.IDs() {
		node := g.Nodes[id]
		if node.Level != LevelSymbol {
			continue
		}
		for _, tok := range node.Tokens {
			idx[tok] = append(idx[tok], id)
		}
	}
	return idx
}

func (n *Network) loadFeedback(ctx context.Context) error {
	n.fbMu.Lock()
	defer n.fbMu.Unlock()
	if n.fbLoaded {
		return nil
	}
	counts, err := n.feedback.LoadFeedback(ctx, n.workspaceID)
	if err != nil {
		return fmt.Errorf("loading feedback: %w", err)
	}
	for k, v := range counts {
		n.counts[k] = v
	}
	n.fbLoaded = true
	return nil
}

// RecordUsage records whether the given nodes proved useful to a stage.
func (n *Network) RecordUsage(ctx context.Context, nodeIDs []string, useful bool) error {
	for _, id := range nodeIDs {
		if err := n.feedback.RecordFeedback(ctx, n.workspaceID, id, useful); err != nil {
			return fmt.Errorf("recording feedback for %s: %w", id, err)
		}
		n.fbMu.Lock()
		c := n.counts[id]
		if useful {
			c.Useful++
		} else {
			c.Useless++
		}
		n.counts[id] = c
		n.fbMu.Unlock()
	}
	return nil
}

func (n *Network) feedbackSnapshot() map[string]Counts {
	n.fbMu.RLock()
	defer n.fbMu.RUnlock()
	out := make(map[string]Counts, len(n.counts))
	for k, v := range n.counts {
		out[k] = v
	}
	return out
}

// Stale returns the files changed since the current generation was built.
func (n *Network) Stale(ctx context.Context) ([]string, error) {
	gen := n.current.Load()
	if gen == nil {
		return nil, pipeerrors.ErrNotReady
	}
	now, err := n.builder.Fingerprints(ctx)
	if err != nil {
		return nil, err
	}
	return codegraph.Diff(gen.Fingerprints, now), nil
}

// Refresh rebuilds when the number of changed files reaches the staleness threshold.
// Below the threshold the current generation keeps serving; graphs are never patched.
func (n *Network) Refresh(ctx context.Context) (bool, error) {
	if !n.Ready() {
		_, err := n.Build(ctx)
		return err == nil, err
	}
	changed, err := n.Stale(ctx)
	if err != nil {
		return false, err
	}
	if len(changed) < n.opts.StalenessThreshold {
		return false, nil
	}
	n.logger.Info("%d files changed in %s, rebuilding", len(changed), n.workspaceID)
	if _, err := n.Build(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// MarkDirty records changed files reported by a watcher and starts a background rebuild once
// the staleness threshold is reached.
func (n *Network) MarkDirty(paths []string) {
	n.dirtyMu.Lock()
	for _, p := range paths {
		n.dirty[p] = true
	}
	count := len(n.dirty)
	n.dirtyMu.Unlock()

	if count < n.opts.StalenessThreshold || !n.Ready() {
		return
	}
	if !n.rebuilding.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer n.rebuilding.Store(false)
		if _, err := n.Build(context.Background()); err != nil {
			n.logger.Error("background rebuild of %s failed: %v", n.workspaceID, err)
		}
	}()
}

// DirtyCount returns the number of files reported changed since the last build.
func (n *Network) DirtyCount() int {
	n.dirtyMu.Lock()
	defer n.dirtyMu.Unlock()
	return len(n.dirty)
}

// Watch starts a filesystem watcher that feeds MarkDirty.
func (n *Network) Watch() error {
	n.watchMu.Lock()
	defer n.watchMu.Unlock()
	if n.watcher != nil {
		return nil
	}
	w, err := codegraph.NewWatcher(n.builder.Root(), 0, n.MarkDirty)
	if err != nil {
		return err
	}
	n.watcher = w
	return nil
}

// Close stops the watcher, if any.
func (n *Network) Close() error {
	n.watchMu.Lock()
	defer n.watchMu.Unlock()
	if n.watcher == nil {
		return nil
	}
	err := n.watcher.Close()
	n.watcher = nil
	return err
}

// ExportDOT renders the current generation, optionally restricted to the neighborhood of ids.
func (n *Network) ExportDOT(ids []string, depth int) (string, error) {
	gen := n.current.Load()
	if gen == nil {
		return "", pipeerrors.ErrNotReady
	}
	g := gen.Graph
	if len(ids) > 0 {
		g = g.Subgraph(ids, depth)
	}
	return g.ToDOT(fmt.Sprintf("hmn_gen_%d", gen.ID))
}

// Registry holds one network per workspace.
type Registry struct {
	networks map[string]*Network
	nopts    []NetworkOption
	opts     Options
	mu       sync.Mutex
}

// NewRegistry creates an empty registry. Workspace ids are source root paths.
func NewRegistry(opts Options, nopts ...NetworkOption) *Registry {
	return &Registry{networks: make(map[string]*Network), opts: opts, nopts: nopts}
}

// Get returns the network for workspaceID, creating an unbuilt one on first use.
func (r *Registry) Get(workspaceID string) *Network {
	key := filepath.Clean(workspaceID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.networks[key]; ok {
		return n
	}
	n := NewNetwork(key, key, r.opts, r.nopts...)
	r.networks[key] = n
	return n
}

// Ensure returns a network that has at least one generation, building it if necessary, and
// starts its watcher when configured.
func (r *Registry) Ensure(ctx context.Context, workspaceID string) (*Network, error) {
	n := r.Get(workspaceID)
	if !n.Ready() {
		if _, err := n.Build(ctx); err != nil {
			return nil, err
		}
	}
	if r.opts.Watch {
		if err := n.Watch(); err != nil {
			n.logger.Warn("watch %s: %v", workspaceID, err)
		}
	}
	return n, nil
}

// Workspaces lists the registered workspace ids.
func (r *Registry) Workspaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.networks))
	for k := range r.networks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close stops every watcher.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []string
	for id, n := range r.networks {
		if err := n.Close(); err != nil {
			errs = append(errs, id+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing networks: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Package kernel builds the shared infrastructure of a codepipe process from configuration:
// persistence, checkpoints, memory networks, worker endpoints, the orchestrator, sessions, and
// the HTTP surface. Commands create one kernel and talk to its components.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codepipe/pkg/api"
	"codepipe/pkg/checkpoint"
	"codepipe/pkg/config"
	"codepipe/pkg/knowledge"
	"codepipe/pkg/limiter"
	"codepipe/pkg/logx"
	"codepipe/pkg/memview"
	"codepipe/pkg/orch"
	"codepipe/pkg/persistence"
	"codepipe/pkg/progress"
	"codepipe/pkg/proto"
	"codepipe/pkg/session"
	"codepipe/pkg/skills"
	"codepipe/pkg/tools"
	"codepipe/pkg/version"
	"codepipe/pkg/worker"
	"codepipe/pkg/worker/providers"
)

// Kernel owns every long-lived component of the process.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	DB           *persistence.DB
	Checkpoints  *checkpoint.Manager
	Memory       *knowledge.Registry
	Viewer       *memview.Viewer
	Skills       *skills.Static
	Tools        *tools.Registry
	Gate         *limiter.Gate
	Metrics      *progress.Prometheus
	Registry     *prometheus.Registry
	EventLog     *progress.EventLog
	Orchestrator *orch.Orchestrator
	Sessions     *session.Manager
	API          *api.Service

	endpoints  map[proto.Stage]worker.Endpoint
	server     *http.Server
	serverDone chan struct{}
	addr       string
	projectDir string
	running    bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithEndpoints replaces the configured model providers, for tests and offline runs.
func WithEndpoints(endpoints map[proto.Stage]worker.Endpoint) Option {
	return func(k *Kernel) { k.endpoints = endpoints }
}

// WithSkills seeds the skill provider.
func WithSkills(sk ...skills.Skill) Option {
	return func(k *Kernel) { k.Skills = skills.NewStatic(sk...) }
}

// NewKernel builds every component. Relative persistence and event log paths resolve against
// projectDir.
func NewKernel(parent context.Context, cfg *config.Config, projectDir string, opts ...Option) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:        ctx,
		cancel:     cancel,
		Config:     cfg,
		Logger:     logx.NewLogger("kernel"),
		projectDir: projectDir,
	}
	for _, opt := range opts {
		opt(k)
	}
	if err := k.initializeServices(); err != nil {
		k.closeResources()
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	if err := k.initializeDatabase(); err != nil {
		return err
	}
	k.Checkpoints = checkpoint.NewManager(k.DB.Checkpoints(), k.Config.Checkpoint.Retain)

	k.Memory = knowledge.NewRegistry(knowledge.OptionsFromConfig(k.Config.Memory),
		knowledge.WithFeedbackStore(k.DB.Feedback()),
		knowledge.WithBuildObserver(k.observeBuild))
	if k.Skills == nil {
		k.Skills = skills.NewStatic()
	}
	viewer, err := memview.NewViewer(memview.DefaultLenses(k.Config.Memory), memview.WithSkills(k.Skills))
	if err != nil {
		return err
	}
	k.Viewer = viewer
	k.Tools = tools.NewRegistry(tools.Builtins(k.projectDir)...)

	if err := k.initializeTelemetry(); err != nil {
		return err
	}

	if k.endpoints == nil {
		k.endpoints, err = providers.Endpoints(k.ctx, k.Config)
		if err != nil {
			return fmt.Errorf("failed to create worker endpoints: %w", err)
		}
	}
	pipeline := k.Config.Pipeline
	k.Gate = limiter.New(pipeline.WorkerConcurrency, pipeline.RequestsPerSecond)
	trackers := progress.Multi{k.Metrics}
	if k.EventLog != nil {
		trackers = append(trackers, k.EventLog)
	}

	k.Orchestrator, err = orch.New(pipeline, k.endpoints, k.Checkpoints, k.DB.Tasks(),
		orch.WithTools(k.Tools),
		orch.WithTracker(trackers),
		orch.WithMemory(orch.MemorySourceFunc(k.workspaceMemory), k.Viewer),
		orch.WithSessionState(k.sessionState),
		orch.WithMiddleware(
			worker.Logging(logx.NewLogger("worker")),
			worker.Metrics(k.Metrics),
			worker.Retry(worker.DefaultRetryConfig),
			worker.Admission(k.Gate, k.Metrics),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	k.Sessions = session.NewManager(k.DB.Sessions(), k.Orchestrator, k.Config.Session.TTL)
	k.API = api.NewService(k.Sessions, k.Orchestrator)

	k.Logger.Info("Kernel services initialized (codepipe %s): %s", version.String(), k.Config)
	return nil
}

func (k *Kernel) initializeDatabase() error {
	dbPath := k.resolve(k.Config.Persistence.DBPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	k.DB = db
	k.Logger.Info("Database initialized: %s", dbPath)
	return nil
}

func (k *Kernel) initializeTelemetry() error {
	k.Registry = prometheus.NewRegistry()
	k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	k.Metrics = progress.NewPrometheus(k.Registry)

	if dir := k.Config.Telemetry.EventLogDir; dir != "" {
		el, err := progress.NewEventLog(k.resolve(dir))
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		k.EventLog = el
	}
	return nil
}

// workspaceMemory resolves a workspace to its memory network. The network is built on the
// first query that needs it and rebuilt once enough files changed since.
func (k *Kernel) workspaceMemory(workspaceID string) orch.Memory {
	return &lazyMemory{registry: k.Memory, workspaceID: workspaceID, logger: k.Logger}
}

type lazyMemory struct {
	registry    *knowledge.Registry
	workspaceID string
	logger      *logx.Logger
}

func (m *lazyMemory) Query(ctx context.Context, req knowledge.QueryRequest) ([]knowledge.RankedNode, error) {
	n, err := m.registry.Ensure(ctx, m.workspaceID)
	if err != nil {
		return nil, err
	}
	if _, err := n.Refresh(ctx); err != nil {
		m.logger.Warn("memory refresh of %s failed, serving generation %d: %v", m.workspaceID, n.Current().ID, err)
	}
	return n.Query(ctx, req)
}

func (m *lazyMemory) RecordUsage(ctx context.Context, nodeIDs []string, useful bool) error {
	return m.registry.Get(m.workspaceID).RecordUsage(ctx, nodeIDs, useful)
}

func (k *Kernel) observeBuild(workspaceID string, gen *knowledge.Generation, took time.Duration) {
	k.Logger.Info("memory generation %d of %s: %d nodes, %d parse errors in %s",
		gen.ID, workspaceID, len(gen.Graph.Nodes), gen.ParseErrors, took.Round(time.Millisecond))
}

func (k *Kernel) sessionState(ctx context.Context, sessionID string) (*checkpoint.SessionState, error) {
	s, err := k.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns, err := k.Sessions.Turns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &checkpoint.SessionState{
		ID:          s.ID,
		WorkspaceID: s.WorkspaceID,
		ClientRef:   s.ClientRef,
		Turns:       len(turns),
		LastActive:  s.LastActive,
	}, nil
}

// Handler serves the v1 API, /health and /metrics.
func (k *Kernel) Handler() http.Handler {
	mux := http.NewServeMux()
	api.NewHandler(k.API).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(k.Registry, promhttp.HandlerOpts{Registry: k.Registry}))
	mux.HandleFunc("GET /health", k.handleHealth)
	return mux
}

func (k *Kernel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := k.DB.SQL().PingContext(k.ctx); err != nil {
		http.Error(w, "database unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	stats := k.Gate.Stats()
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "ok\nworkers %d/%d in flight, %d waiting\nworkspaces %d\n",
		stats.InFlight, stats.Limit, stats.Waiting, len(k.Memory.Workspaces()))
}

// Start runs the session reaper and, when an address is configured, the HTTP server.
func (k *Kernel) Start() error {
	if k.running {
		return errors.New("kernel already running")
	}
	k.Sessions.StartReaper(k.ctx, k.Config.Session.ReapInterval)

	if addr := k.Config.Telemetry.MetricsAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			k.Sessions.Stop()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		k.server = &http.Server{Handler: k.Handler(), ReadHeaderTimeout: 10 * time.Second}
		k.serverDone = make(chan struct{})
		go func() {
			defer close(k.serverDone)
			if err := k.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				k.Logger.Error("Server error: %v", err)
			}
		}()
		k.addr = ln.Addr().String()
		k.Logger.Info("Serving API and metrics on %s", k.addr)
	}

	k.running = true
	return nil
}

// Addr returns the HTTP listen address, or "" when the server is not running.
func (k *Kernel) Addr() string {
	if k.server == nil {
		return ""
	}
	return k.addr
}

// Stop aborts running tasks without recording anything, as a crash would, so they continue from
// their latest checkpoint next time, then releases every resource.
func (k *Kernel) Stop() error {
	if k.DB == nil {
		return nil
	}
	k.Logger.Info("Stopping kernel services...")
	if k.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := k.server.Shutdown(shutdownCtx); err != nil {
			k.Logger.Warn("HTTP shutdown: %v", err)
		}
		cancel()
		<-k.serverDone
		k.server = nil
	}
	k.Sessions.Stop()
	k.Orchestrator.Stop()
	k.cancel()
	k.closeResources()
	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

func (k *Kernel) closeResources() {
	if k.Gate != nil {
		k.Gate.Close()
	}
	if k.Memory != nil {
		if err := k.Memory.Close(); err != nil {
			k.Logger.Warn("closing memory watchers: %v", err)
		}
	}
	if k.EventLog != nil {
		if err := k.EventLog.Close(); err != nil {
			k.Logger.Warn("closing event log: %v", err)
		}
		k.EventLog = nil
	}
	if k.DB != nil {
		if err := k.DB.Close(); err != nil {
			k.Logger.Error("Error closing database: %v", err)
		}
		k.DB = nil
	}
}

// ProjectDir returns the project directory.
func (k *Kernel) ProjectDir() string {
	return k.projectDir
}

func (k *Kernel) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(k.projectDir, p)
}

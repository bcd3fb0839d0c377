// Package app wires all toolrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, Reload applies config
// changes while running, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithHistory,
// WithDialer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/toolrelay/internal/api"
	"github.com/MrWong99/toolrelay/internal/config"
	"github.com/MrWong99/toolrelay/internal/health"
	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/internal/mcp/conn"
	"github.com/MrWong99/toolrelay/internal/mcp/registry"
	"github.com/MrWong99/toolrelay/internal/mcp/toolindex"
	"github.com/MrWong99/toolrelay/internal/observe"
	"github.com/MrWong99/toolrelay/internal/orchestrator"
	"github.com/MrWong99/toolrelay/pkg/attach"
	attachmem "github.com/MrWong99/toolrelay/pkg/attach/memory"
	attachpg "github.com/MrWong99/toolrelay/pkg/attach/postgres"
	"github.com/MrWong99/toolrelay/pkg/history"
	historymem "github.com/MrWong99/toolrelay/pkg/history/memory"
	historypg "github.com/MrWong99/toolrelay/pkg/history/postgres"
	"github.com/MrWong99/toolrelay/pkg/provider/embeddings"
	"github.com/MrWong99/toolrelay/pkg/provider/llm"
)

// DefaultProviderName is the key of the default gateway in requests.
const DefaultProviderName = "default"

// defaultAttachmentURL is where stored attachments are served.
const defaultAttachmentURL = "/v1/attachments"

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM is the default gateway, already wrapped with its fallbacks.
	LLM llm.Provider

	// Named are the additional gateways selectable per request.
	Named map[string]llm.Provider

	// Embeddings enables semantic tool search.
	Embeddings embeddings.Provider
}

// set builds the resolver the orchestrator uses.
func (p *Providers) set() orchestrator.ProviderSet {
	s := orchestrator.ProviderSet{Default: DefaultProviderName, Named: make(map[string]llm.Provider, len(p.Named)+1)}
	for name, prov := range p.Named {
		s.Named[name] = prov
	}
	if p.LLM != nil {
		s.Named[DefaultProviderName] = p.LLM
	}
	return s
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	dial      registry.Dialer

	// Subsystems, initialised in New and torn down in Shutdown.
	pool        *pgxpool.Pool
	history     history.Store
	attachments attach.Store
	registry    *registry.Registry
	index       *toolindex.Index
	indexStore  *toolindex.PostgresStore
	orch        *orchestrator.Orchestrator
	api         *api.Server
	server      *http.Server

	reloadMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects a history store instead of creating one from config.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithAttachments injects an attachment store instead of creating one from config.
func WithAttachments(s attach.Store) Option {
	return func(a *App) { a.attachments = s }
}

// WithDialer replaces the connection factory of the tool registry.
func WithDialer(d registry.Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithLevelVar lets Reload change the log level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: storage connection and
// migration, tool server launch, tool index and orchestrator assembly. Tool
// server failures are logged and do not fail New.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Tool registry ─────────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 3. Tool index ────────────────────────────────────────────────────
	if err := a.initIndex(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init tool index: %w", err)
	}

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	a.orch = orchestrator.New(providers.set(), a.history,
		orchestrator.WithTools(a.registry),
		orchestrator.WithAttachments(a.attachments),
		orchestrator.WithClassifier(classifier(cfg.Orchestrator)),
		orchestrator.WithHopLimit(cfg.Orchestrator.HopLimit),
		orchestrator.WithSystemPrompt(cfg.Orchestrator.SystemPrompt),
		orchestrator.WithLogger(a.log.With("component", "orchestrator")),
		orchestrator.WithMetrics(a.metrics),
	)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.api = api.New(a.orch, a.history, a.registry,
		api.WithIndex(a.index),
		api.WithAttachments(a.attachments),
		api.WithHealth(health.New(a.checkers()...)),
		api.WithMetrics(a.metrics),
		api.WithLogger(a.log.With("component", "api")),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage connects the history and attachment stores. With a DSN both
// share one PostgreSQL pool; otherwise they live in memory.
func (a *App) initStorage(ctx context.Context) error {
	base := a.cfg.Server.AttachmentURL
	if base == "" {
		base = defaultAttachmentURL
	}
	if a.history != nil && a.attachments != nil {
		return nil // both injected
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		if a.history == nil {
			a.history = historymem.New()
		}
		if a.attachments == nil {
			a.attachments = attachmem.New(base)
		}
		a.log.Info("using in-memory history and attachments")
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if a.history == nil {
		if err := historypg.Migrate(ctx, pool); err != nil {
			return err
		}
		a.history = historypg.NewWithPool(pool)
	}
	if a.attachments == nil {
		if err := attachpg.Migrate(ctx, pool); err != nil {
			return err
		}
		a.attachments = attachpg.New(pool, base)
	}
	a.log.Info("using postgres history and attachments")
	return nil
}

// initRegistry creates the tool registry and applies the configured servers.
func (a *App) initRegistry(ctx context.Context) error {
	dial := a.dial
	if dial == nil {
		dial = a.dialConn
	}
	a.registry = registry.New(dial, registryOptions(a.cfg.Registry, a.log, a.metrics)...)
	a.closers = append(a.closers, a.registry.Close)

	res, err := a.registry.ApplyConfigs(ctx, a.cfg.MCP.Servers)
	if errors.Is(err, mcp.ErrClosed) {
		return err
	}
	if err != nil {
		a.log.Warn("invalid tool server descriptors skipped", "err", err)
	}
	for id, ferr := range res.Failed {
		a.log.Warn("tool server failed to start", "server", id, "err", ferr)
	}
	a.log.Info("tool registry ready", "servers", len(a.cfg.MCP.Servers), "tools", len(a.registry.Snapshot().Names()))
	return nil
}

// registryOptions maps the registry config section to registry options.
func registryOptions(rc config.RegistryConfig, log *slog.Logger, m *observe.Metrics) []registry.Option {
	opts := []registry.Option{
		registry.WithLogger(log.With("component", "registry")),
		registry.WithMetrics(m),
		registry.WithLazy(rc.Lazy),
		registry.WithBreaker(rc.Breaker),
	}
	if rc.PortMin != 0 || rc.PortMax != 0 {
		opts = append(opts, registry.WithPortRange(rc.PortMin, rc.PortMax))
	}
	if rc.ProbeTimeout > 0 {
		opts = append(opts, registry.WithProbeTimeout(rc.ProbeTimeout))
	}
	if rc.LaunchConcurrency > 0 {
		opts = append(opts, registry.WithLaunchConcurrency(rc.LaunchConcurrency))
	}
	return opts
}

// OpenRegistry builds a standalone registry from cfg and applies its server
// descriptors, for one-shot administration commands. The caller must Close
// the registry; it is returned even when some descriptors fail.
func OpenRegistry(ctx context.Context, cfg *config.Config, log *slog.Logger) (*registry.Registry, registry.ApplyResult, error) {
	if log == nil {
		log = slog.Default()
	}
	m := observe.DefaultMetrics()
	var reg *registry.Registry
	reg = registry.New(func(d mcp.ServerDescriptor) mcp.Connection {
		return conn.New(d,
			conn.WithLogger(log.With("server", d.ID)),
			conn.WithMetrics(m),
			conn.WithOnLost(func(id string, err error) { reg.NotifyLost(id, err) }),
		)
	}, registryOptions(cfg.Registry, log, m)...)
	res, err := reg.ApplyConfigs(ctx, cfg.MCP.Servers)
	return reg, res, err
}

// dialConn is the production connection factory. Session losses are reported
// back to the registry for recovery.
func (a *App) dialConn(d mcp.ServerDescriptor) mcp.Connection {
	return conn.New(d,
		conn.WithLogger(a.log.With("server", d.ID)),
		conn.WithMetrics(a.metrics),
		conn.WithOnLost(func(id string, err error) { a.registry.NotifyLost(id, err) }),
	)
}

// initIndex creates the tool index. Vectors are kept in pgvector when
// embeddings and a DSN are configured, in memory otherwise.
func (a *App) initIndex(ctx context.Context) error {
	opts := []toolindex.Option{toolindex.WithLogger(a.log.With("component", "toolindex"))}
	emb := a.providers.Embeddings
	if emb != nil && a.cfg.Storage.PostgresDSN != "" {
		store, err := toolindex.NewPostgresStore(ctx, a.cfg.Storage.PostgresDSN, a.cfg.Storage.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.indexStore = store
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		opts = append(opts, toolindex.WithStore(store))
	}
	a.index = toolindex.New(emb, opts...)
	a.index.Attach(a.registry)
	return nil
}

// checkers returns the readiness checks for /readyz.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if p, ok := a.history.(health.Pinger); ok {
		cs = append(cs, health.Ping("history", p))
	}
	if a.indexStore != nil {
		cs = append(cs, health.Checker{Name: "toolindex", Check: a.indexStore.Ping, Optional: true})
	}
	cs = append(cs,
		health.Servers(a.serverCounts),
		health.Configured("llm", a.providers.LLM != nil, "no LLM provider configured"),
	)
	return cs
}

// serverCounts reports ready and enabled server counts.
func (a *App) serverCounts() (ready, total int) {
	for _, st := range a.registry.Statuses() {
		if !st.Enabled {
			continue
		}
		total++
		if st.State == mcp.StateReady {
			ready++
		}
	}
	return ready, total
}

// classifier builds the tool result classifier from config. Configured
// phrases extend the defaults.
func classifier(cfg config.OrchestratorConfig) orchestrator.Classifier {
	c := orchestrator.NewPhraseClassifier()
	if len(cfg.NoResultPhrases) > 0 {
		c.NoResults = append(append([]string(nil), c.NoResults...), cfg.NoResultPhrases...)
	}
	return c
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Registry returns the tool registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Orchestrator returns the turn orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and runs the tool index until ctx
// is cancelled. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.index.Run(ctx)
	}()
	defer wg.Wait()

	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()
	a.log.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", "err", err)
		}
		<-errCh
		return nil
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change: log level,
// tool servers and orchestrator settings. Sections that need a restart are
// logged and otherwise ignored.
func (a *App) Reload(ctx context.Context, old, cfg *config.Config) config.ConfigDiff {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, cfg)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ServersChanged {
		for _, c := range d.ServerChanges {
			a.log.Info("tool server changed", "server", c.ID, "added", c.Added, "removed", c.Removed, "modified", c.Modified)
		}
		res, err := a.registry.ApplyConfigs(ctx, cfg.MCP.Servers)
		if err != nil {
			a.log.Warn("apply tool servers", "err", err)
		}
		for id, ferr := range res.Failed {
			a.log.Warn("tool server failed to start", "server", id, "err", ferr)
		}
	}
	if d.OrchestratorChanged {
		o := cfg.Orchestrator
		a.orch.Reconfigure(o.HopLimit, o.SystemPrompt, classifier(o))
		a.log.Info("orchestrator settings changed", "hop_limit", o.HopLimit)
	}
	for _, section := range d.RestartRequired {
		a.log.Warn("config section changed; restart required to apply", "section", section)
	}
	a.cfg = cfg
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.closeAll(ctx)
		if shutdownErr == nil {
			a.log.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}

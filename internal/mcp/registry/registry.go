// Package registry merges many MCP tool servers into one tool namespace.
//
// A [Registry] owns the configured [mcp.ServerDescriptor]s and one
// [mcp.Connection] per server. Mutating operations (ApplyConfigs, Refresh,
// Discover, EnsureStarted) serialise on a single lock. Readers (ToolSpecs,
// Digest, Lookup, CallTool) use the last published [Snapshot], so an in-flight
// turn sees either the whole old catalog or the whole new one.
//
// Typical usage:
//
//	reg := registry.New(func(d mcp.ServerDescriptor) mcp.Connection {
//	    return conn.New(d)
//	})
//	res, err := reg.ApplyConfigs(ctx, cfg.Servers)
//	tools := reg.ToolSpecs("web")
//	out, err := reg.CallTool(ctx, "calendar__list_events", `{"day":"today"}`)
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolrelay/internal/mcp"
	"github.com/MrWong99/toolrelay/internal/observe"
	"github.com/MrWong99/toolrelay/internal/resilience"
	"github.com/MrWong99/toolrelay/pkg/types"
)

// Defaults for discovery and fan-out.
const (
	DefaultPortMin           = 9000
	DefaultPortMax           = 9100
	DefaultProbeTimeout      = 150 * time.Millisecond
	DefaultScanConcurrency   = 32
	DefaultLaunchConcurrency = 8
	DefaultRecoveryTimeout   = 2 * time.Minute
)

// ErrUnknownServer is returned for operations on a server id that is not
// configured.
var ErrUnknownServer = errors.New("registry: unknown server")

// Dialer creates the connection for a descriptor. It must not perform I/O.
type Dialer func(desc mcp.ServerDescriptor) mcp.Connection

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithLazy defers launching servers until [Registry.Discover] or
// [Registry.EnsureStarted].
func WithLazy(lazy bool) Option { return func(r *Registry) { r.lazy = lazy } }

// WithPortRange sets the inclusive port range scanned by Discover.
func WithPortRange(lo, hi int) Option {
	return func(r *Registry) {
		if lo > 0 && hi >= lo {
			r.portMin, r.portMax = lo, hi
		}
	}
}

// WithProbeTimeout sets the per-port dial timeout used by Discover.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// WithLaunchConcurrency bounds concurrent connects and tool listings.
func WithLaunchConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithBreaker sets the circuit breaker template applied per server.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Registry) { r.breakerCfg = cfg }
}

// server is one configured descriptor and its connection. Guarded by
// Registry.mu.
type server struct {
	desc mcp.ServerDescriptor
	conn mcp.Connection
	gate *gate
}

func (s *server) enabled() bool { return s.desc.EnabledForAny() }

// serverView is the lock-free copy of a server used by status readers.
type serverView struct {
	desc mcp.ServerDescriptor
	conn mcp.Connection
	gate *gate
}

// ApplyResult reports what [Registry.ApplyConfigs] did per server id.
type ApplyResult struct {
	Added     []string         `json:"added,omitempty"`
	Removed   []string         `json:"removed,omitempty"`
	Restarted []string         `json:"restarted,omitempty"`
	Updated   []string         `json:"updated,omitempty"`
	Stopped   []string         `json:"stopped,omitempty"`
	Failed    map[string]error `json:"-"`
}

// FailedMessages renders Failed for JSON responses.
func (a ApplyResult) FailedMessages() map[string]string {
	out := make(map[string]string, len(a.Failed))
	for id, err := range a.Failed {
		out[id] = err.Error()
	}
	return out
}

// ServerStatus is the operator view of one configured server.
type ServerStatus struct {
	mcp.Status
	Enabled  bool             `json:"enabled"`
	Breaker  resilience.State `json:"breaker"`
	Bindings int              `json:"bindings"`
}

// Registry aggregates tool servers. The zero value is not usable; create
// instances with [New].
type Registry struct {
	dial         Dialer
	log          *slog.Logger
	metrics      *observe.Metrics
	lazy         bool
	portMin      int
	portMax      int
	probeTimeout time.Duration
	concurrency  int
	breakerCfg   resilience.CircuitBreakerConfig

	mu      sync.Mutex
	servers map[string]*server
	order   []string // configuration order
	started bool
	closed  bool
	version uint64

	snap atomic.Pointer[Snapshot]
	view atomic.Pointer[[]serverView]

	hookMu sync.Mutex
	hooks  []func(*Snapshot)

	statsMu sync.Mutex
	stats   map[string]*latencyWindow // by qualified name

	recoverMu  sync.Mutex
	recovering map[string]bool
	stopping   bool
	bg         sync.WaitGroup
}

// New creates an empty registry that builds connections with dial.
func New(dial Dialer, opts ...Option) *Registry {
	r := &Registry{
		dial:         dial,
		portMin:      DefaultPortMin,
		portMax:      DefaultPortMax,
		probeTimeout: DefaultProbeTimeout,
		concurrency:  DefaultLaunchConcurrency,
		servers:      make(map[string]*server),
		stats:        make(map[string]*latencyWindow),
		recovering:   make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.breakerCfg.IsFailure == nil {
		// A caller giving up says nothing about the server.
		r.breakerCfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if r.breakerCfg.Logger == nil {
		r.breakerCfg.Logger = r.log
	}
	r.snap.Store(emptySnapshot())
	r.view.Store(&[]serverView{})
	return r
}

// Snapshot returns the current catalog.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Lookup returns the binding for a qualified name.
func (r *Registry) Lookup(name string) (Binding, bool) { return r.Snapshot().Lookup(name) }

// ToolSpecs returns the provider-facing tool list visible to clientID.
func (r *Registry) ToolSpecs(clientID string) []types.ToolDefinition {
	return r.Snapshot().ToolSpecs(clientID)
}

// Digest ranks tools per context. See [Snapshot.Digest].
func (r *Registry) Digest(contexts []string, limit int) map[string][]DigestHit {
	return r.Snapshot().Digest(contexts, limit)
}

// OnRebuild registers fn to be called with every newly published snapshot.
// fn runs while the registry lock is held and must not call mutating
// registry methods.
func (r *Registry) OnRebuild(fn func(*Snapshot)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// validateAll validates every descriptor and drops duplicates, keeping the
// first occurrence.
func validateAll(descs []mcp.ServerDescriptor) ([]mcp.ServerDescriptor, error) {
	var errs []error
	seen := make(map[string]bool, len(descs))
	valid := make([]mcp.ServerDescriptor, 0, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("server %s: duplicate id", d.ID))
			continue
		}
		seen[d.ID] = true
		valid = append(valid, d)
	}
	return valid, errors.Join(errs...)
}

// ApplyConfigs reconciles the running servers with descs and rebuilds the
// catalog. Invalid descriptors are reported in the returned error while the
// valid ones are still applied. Launch failures are isolated per server and
// reported in ApplyResult.Failed.
func (r *Registry) ApplyConfigs(ctx context.Context, descs []mcp.ServerDescriptor) (ApplyResult, error) {
	valid, verr := validateAll(descs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ApplyResult{}, mcp.ErrClosed
	}

	res := ApplyResult{Failed: make(map[string]error)}
	next := make(map[string]bool, len(valid))
	for _, d := range valid {
		next[d.ID] = true
	}

	var stop []mcp.Connection
	for _, id := range r.order {
		if !next[id] {
			stop = append(stop, r.servers[id].conn)
			delete(r.servers, id)
			res.Removed = append(res.Removed, id)
		}
	}

	var launch []*server
	order := make([]string, 0, len(valid))
	for _, d := range valid {
		order = append(order, d.ID)
		old, ok := r.servers[d.ID]
		switch {
		case !ok:
			s := r.newServer(d)
			r.servers[d.ID] = s
			res.Added = append(res.Added, d.ID)
			if s.enabled() {
				launch = append(launch, s)
			}
		case old.desc.NeedsRestart(d):
			stop = append(stop, old.conn)
			s := r.newServer(d)
			r.servers[d.ID] = s
			res.Restarted = append(res.Restarted, d.ID)
			if s.enabled() {
				launch = append(launch, s)
			}
		default:
			wasEnabled := old.enabled()
			if !reflect.DeepEqual(old.desc, d) {
				res.Updated = append(res.Updated, d.ID)
			}
			old.desc = d
			old.gate.setRate(d.RateLimit)
			switch {
			case wasEnabled && !old.enabled():
				stop = append(stop, old.conn)
				res.Stopped = append(res.Stopped, d.ID)
			case !wasEnabled && old.enabled():
				launch = append(launch, old)
			}
		}
	}
	r.order = order
	r.publishServers()

	if err := closeAll(ctx, stop); err != nil {
		r.log.Warn("stopping servers during apply", "err", err)
	}
	if r.lazy && !r.started {
		r.log.Info("lazy mode, not launching servers", "servers", len(launch))
	} else {
		r.started = true
		r.launch(ctx, launch, res.Failed)
	}
	r.refreshLocked(ctx)

	r.log.Info("server configuration applied",
		"added", len(res.Added), "removed", len(res.Removed), "restarted", len(res.Restarted),
		"updated", len(res.Updated), "stopped", len(res.Stopped), "failed", len(res.Failed))
	return res, verr
}

func (r *Registry) newServer(d mcp.ServerDescriptor) *server {
	return &server{desc: d, conn: r.dial(d), gate: newGate(d.ID, d.RateLimit, r.breakerCfg)}
}

// publishServers refreshes the lock-free server list. Must hold r.mu.
func (r *Registry) publishServers() {
	view := make([]serverView, 0, len(r.order))
	for _, id := range r.order {
		s := r.servers[id]
		view = append(view, serverView{desc: s.desc, conn: s.conn, gate: s.gate})
	}
	r.view.Store(&view)
}

// launch connects servers concurrently. Failures are logged and recorded in
// failed; they never abort the batch. Must hold r.mu.
func (r *Registry) launch(ctx context.Context, servers []*server, failed map[string]error) {
	if len(servers) == 0 {
		return
	}
	var fmu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for _, s := range servers {
		g.Go(func() error {
			if err := s.conn.Connect(ctx); err != nil {
				r.log.Warn("server failed to start", "server", s.desc.ID, "err", err)
				fmu.Lock()
				failed[s.desc.ID] = err
				fmu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// closeAll closes connections concurrently and joins their errors.
func closeAll(ctx context.Context, conns []mcp.Connection) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Refresh re-lists the tools of every ready server and publishes a new
// snapshot. A server whose listing fails loses only its own bindings.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return mcp.ErrClosed
	}
	r.refreshLocked(ctx)
	return ctx.Err()
}

// refreshLocked rebuilds and publishes the catalog. Must hold r.mu.
func (r *Registry) refreshLocked(ctx context.Context) {
	listed := make([]serverTools, len(r.order))
	ok := make([]bool, len(r.order))

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for i, id := range r.order {
		s := r.servers[id]
		if !s.enabled() || s.conn.State() != mcp.StateReady {
			continue
		}
		g.Go(func() error {
			tools, err := s.conn.ListTools(ctx)
			if err != nil {
				r.log.Warn("tool listing failed, dropping server tools", "server", s.desc.ID, "err", err)
				return nil
			}
			listed[i] = serverTools{desc: s.desc, conn: s.conn, gate: s.gate, tools: tools}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	servers := make([]serverTools, 0, len(listed))
	for i := range listed {
		if ok[i] {
			servers = append(servers, listed[i])
		}
	}
	r.version++
	r.publish(buildSnapshot(servers, r.version, r.log), len(servers))
}

// publish stores snap and notifies hooks. Must hold r.mu.
func (r *Registry) publish(snap *Snapshot, servers int) {
	r.snap.Store(snap)
	r.log.Debug("tool catalog rebuilt", "version", snap.Version, "tools", snap.Len(), "servers", servers)
	if r.metrics != nil {
		r.metrics.RegistryRebuilds.Add(context.Background(), 1)
		r.metrics.CatalogTools.Record(context.Background(), int64(snap.Len()))
	}

	r.hookMu.Lock()
	hooks := slices.Clone(r.hooks)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn(snap)
	}
}

// EnsureStarted launches every enabled server once. In eager mode the first
// ApplyConfigs already did this and the call returns immediately.
func (r *Registry) EnsureStarted(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return mcp.ErrClosed
	}
	if r.started {
		return nil
	}
	r.started = true

	var launch []*server
	for _, id := range r.order {
		if s := r.servers[id]; s.enabled() && s.conn.State() != mcp.StateReady {
			launch = append(launch, s)
		}
	}
	failed := make(map[string]error)
	r.launch(ctx, launch, failed)
	r.refreshLocked(ctx)
	if len(failed) > 0 {
		r.log.Warn("some servers failed to start", "failed", len(failed), "started", len(launch)-len(failed))
	}
	return nil
}

// Statuses returns the operator view of every configured server in
// configuration order. It does not block on registry mutations.
func (r *Registry) Statuses() []ServerStatus {
	view := *r.view.Load()
	snap := r.Snapshot()
	counts := make(map[string]int)
	for _, b := range snap.bindings {
		counts[b.Server]++
	}
	out := make([]ServerStatus, 0, len(view))
	for _, v := range view {
		out = append(out, ServerStatus{
			Status:   v.conn.Status(),
			Enabled:  v.desc.EnabledForAny(),
			Breaker:  v.gate.breaker.State(),
			Bindings: counts[v.desc.ID],
		})
	}
	return out
}

// Descriptors returns the applied descriptors in configuration order.
func (r *Registry) Descriptors() []mcp.ServerDescriptor {
	view := *r.view.Load()
	out := make([]mcp.ServerDescriptor, len(view))
	for i, v := range view {
		out[i] = v.desc
	}
	return out
}

// NotifyLost schedules recovery for a server whose session dropped. It is
// meant to be passed to the connection's loss callback and never blocks.
func (r *Registry) NotifyLost(id string, err error) {
	r.log.Warn("server connection lost", "server", id, "err", err)
	r.scheduleRecovery(id)
}

// scheduleRecovery reconnects a server in the background and refreshes the
// catalog afterwards. At most one recovery per server runs at a time.
func (r *Registry) scheduleRecovery(id string) {
	r.recoverMu.Lock()
	if r.stopping || r.recovering[id] {
		r.recoverMu.Unlock()
		return
	}
	r.recovering[id] = true
	r.bg.Add(1)
	r.recoverMu.Unlock()

	go func() {
		defer r.bg.Done()
		defer func() {
			r.recoverMu.Lock()
			delete(r.recovering, id)
			r.recoverMu.Unlock()
		}()
		r.recover(id)
	}()
}

func (r *Registry) recover(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultRecoveryTimeout)
	defer cancel()

	var target *serverView
	for _, v := range *r.view.Load() {
		if v.desc.ID == id {
			target = &v
			break
		}
	}
	if target == nil || !target.desc.EnabledForAny() {
		return
	}

	var err error
	if target.conn.Attached() {
		err = target.conn.Reconnect(ctx)
	} else {
		err = target.conn.Connect(ctx)
	}
	if err != nil {
		r.log.Warn("server recovery failed", "server", id, "err", err)
	} else {
		r.log.Info("server recovered", "server", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.refreshLocked(ctx)
	}
}

// Close stops every server. The registry cannot be used afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.recoverMu.Lock()
	r.stopping = true
	r.recoverMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]mcp.Connection, 0, len(r.servers))
	for _, id := range r.order {
		conns = append(conns, r.servers[id].conn)
	}
	r.servers = make(map[string]*server)
	r.order = nil
	r.publishServers()
	r.version++
	empty := emptySnapshot()
	empty.Version = r.version
	r.snap.Store(empty)
	r.mu.Unlock()

	err := closeAll(ctx, conns)
	r.bg.Wait()
	return err
}

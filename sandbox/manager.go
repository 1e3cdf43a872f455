package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ternhq/tern"
)

// HostProviderName selects direct host execution. Host leases never hold
// an instance; commands run as local processes in the terminal's cwd.
const HostProviderName = "host"

// liveSession is the in-memory assembly of one thread's session: the
// durable records plus the runtime that executes against them.
type liveSession struct {
	record   tern.ChatSessionRecord
	policy   Policy
	terminal *Terminal
	lease    *Lease
	runtime  Runtime
}

// Manager owns the session layer: it creates and reuses sessions, hands
// out capabilities, reaps expired sessions lazily on access and eagerly
// from a background sweeper, and parks compute when a policy window ends.
type Manager struct {
	store           tern.Store
	providers       map[string]tern.SandboxProvider
	defaultProvider string
	policy          Policy
	instanceCfg     tern.InstanceConfig
	workspaceRoot   string
	now             func() time.Time
	logger          *slog.Logger
	sweepEvery      time.Duration

	mu      sync.Mutex
	live    map[string]*liveSession
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProvider registers a sandbox provider under its own name.
func WithProvider(p tern.SandboxProvider) ManagerOption {
	return func(m *Manager) { m.providers[p.Name()] = p }
}

// WithDefaultProvider selects the provider new leases bind to. Defaults
// to host execution.
func WithDefaultProvider(name string) ManagerOption {
	return func(m *Manager) { m.defaultProvider = name }
}

// WithPolicy sets the session policy applied to new sessions.
func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithInstanceConfig sets the creation parameters for provider instances.
func WithInstanceConfig(cfg tern.InstanceConfig) ManagerOption {
	return func(m *Manager) { m.instanceCfg = cfg }
}

// WithWorkspaceRoot sets the directory under which host terminals get
// their per-thread working directories.
func WithWorkspaceRoot(dir string) ManagerOption {
	return func(m *Manager) { m.workspaceRoot = dir }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithSweepInterval overrides the background sweep interval. The default
// is a tenth of the idle timeout.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepEvery = d }
}

// NewManager builds a session manager over store.
func NewManager(store tern.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:           store,
		providers:       make(map[string]tern.SandboxProvider),
		defaultProvider: HostProviderName,
		policy:          DefaultPolicy(),
		workspaceRoot:   filepath.Join(os.TempDir(), "tern-workspaces"),
		now:             time.Now,
		live:            make(map[string]*liveSession),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = tern.NopLogger()
	}
	m.policy = m.policy.withDefaults()
	return m
}

// Start launches the background sweeper. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	if m.sweepEvery <= 0 {
		m.sweepEvery = m.policy.IdleTimeout() / 10
	}
	interval := m.sweepEvery
	m.mu.Unlock()
	go m.runSweeper(interval)
}

// Close stops the sweeper and releases all runtimes. Instances are left
// to their leases; they are durable and reattach on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	started := m.started
	m.started = false
	for id, ls := range m.live {
		ls.runtime.Close()
		delete(m.live, id)
	}
	m.mu.Unlock()
	if started {
		close(m.stopCh)
		<-m.doneCh
	}
}

// Types returns the selectable sandbox types, host first.
func (m *Manager) Types() []string {
	names := make([]string, 0, len(m.providers)+1)
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{HostProviderName}, names...)
}

// Pinger is implemented by providers that can probe their backing service
// without touching any instance.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TypeStatus describes one selectable sandbox type.
type TypeStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// TypeStatuses probes each registered provider and reports which sandbox
// types are currently usable. Host execution is always available;
// providers without a Ping are assumed reachable.
func (m *Manager) TypeStatuses(ctx context.Context) []TypeStatus {
	out := []TypeStatus{{Name: HostProviderName, Available: true}}
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ts := TypeStatus{Name: name, Available: true}
		if pinger, ok := m.providers[name].(Pinger); ok {
			if err := pinger.Ping(ctx); err != nil {
				ts.Available = false
				ts.Reason = err.Error()
			}
		}
		out = append(out, ts)
	}
	return out
}

// GetSandbox returns the capability for threadID, creating or reusing the
// session, terminal, and lease as needed. An expired session is reaped
// here and replaced with a fresh one over the surviving terminal, so the
// conversation's cwd and env carry over.
func (m *Manager) GetSandbox(ctx context.Context, threadID string) (*Capability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().Unix()

	if ls, ok := m.live[threadID]; ok {
		if !ls.policy.Expired(ls.record.CreatedAt, ls.record.LastActiveAt, now) {
			if ls.record.Status == StatusPaused {
				if err := m.store.UpdateSessionStatus(ctx, ls.record.SessionID, StatusActive); err != nil {
					return nil, err
				}
				ls.record.Status = StatusActive
			}
			return m.capabilityLocked(ls), nil
		}
		m.expireLocked(ctx, ls)
	}

	rec, err := m.store.GetSessionByThread(ctx, threadID)
	switch {
	case err == nil:
		pol := unmarshalPolicy(rec.PolicyJSON)
		if !pol.Expired(rec.CreatedAt, rec.LastActiveAt, now) {
			ls, err := m.rebuildLocked(ctx, rec, pol)
			if err != nil {
				return nil, err
			}
			if ls.record.Status == StatusPaused {
				if err := m.store.UpdateSessionStatus(ctx, ls.record.SessionID, StatusActive); err != nil {
					return nil, err
				}
				ls.record.Status = StatusActive
			}
			return m.capabilityLocked(ls), nil
		}
		// Stale row from a previous process: retire it before creating
		// the replacement, the store allows only one live session per
		// thread.
		if err := m.store.UpdateSessionStatus(ctx, rec.SessionID, StatusExpired); err != nil {
			return nil, err
		}
		m.logger.Info("expired stale session", "thread_id", threadID, "session_id", rec.SessionID)
	case !errors.Is(err, tern.ErrNotFound):
		return nil, err
	}

	ls, err := m.createLocked(ctx, threadID, "", "", now)
	if err != nil {
		return nil, err
	}
	return m.capabilityLocked(ls), nil
}

// CreateSession eagerly creates the thread's session bound to the named
// provider. An empty name selects the default; cwd overrides the
// terminal's starting directory. Used when a thread is created with an
// explicit sandbox type, so the choice lands in the lease row before the
// first tool call. Fails if the thread already has a live session.
func (m *Manager) CreateSession(ctx context.Context, threadID, providerName, cwd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().Unix()
	if _, ok := m.live[threadID]; ok {
		return tern.Errorf(tern.KindInvalidInput, "thread %s already has a session", threadID)
	}
	rec, err := m.store.GetSessionByThread(ctx, threadID)
	switch {
	case err == nil:
		if !unmarshalPolicy(rec.PolicyJSON).Expired(rec.CreatedAt, rec.LastActiveAt, now) {
			return tern.Errorf(tern.KindInvalidInput, "thread %s already has a session", threadID)
		}
		if err := m.store.UpdateSessionStatus(ctx, rec.SessionID, StatusExpired); err != nil {
			return err
		}
	case !errors.Is(err, tern.ErrNotFound):
		return err
	}
	_, err = m.createLocked(ctx, threadID, providerName, cwd, now)
	return err
}

// createLocked creates a new session for threadID, reusing the thread's
// terminal and lease when they survive from an earlier session. An empty
// providerName selects the default; cwd overrides the starting directory
// for freshly created terminals only.
func (m *Manager) createLocked(ctx context.Context, threadID, providerName, cwd string, now int64) (*liveSession, error) {
	if providerName == "" {
		providerName = m.defaultProvider
	}
	if _, err := m.providerFor(providerName); err != nil {
		return nil, err
	}
	var (
		trec tern.TerminalRecord
		lrec tern.LeaseRecord
	)
	trec, err := m.store.GetTerminalByThread(ctx, threadID)
	switch {
	case err == nil:
		lrec, err = m.store.GetLease(ctx, trec.LeaseID)
		if errors.Is(err, tern.ErrNotFound) {
			lrec = tern.LeaseRecord{LeaseID: trec.LeaseID, ProviderName: providerName}
			err = nil
		}
		if err != nil {
			return nil, err
		}
	case errors.Is(err, tern.ErrNotFound):
		leaseID := tern.NewID()
		if cwd == "" {
			cwd = m.initialCwd(threadID, providerName)
		}
		state := TerminalState{Cwd: cwd, Version: 1}
		stateJSON, merr := json.Marshal(state)
		if merr != nil {
			return nil, merr
		}
		trec = tern.TerminalRecord{
			TerminalID: tern.NewID(),
			ThreadID:   threadID,
			LeaseID:    leaseID,
			StateJSON:  stateJSON,
			Version:    1,
		}
		lrec = tern.LeaseRecord{LeaseID: leaseID, ProviderName: providerName}
	default:
		return nil, err
	}

	srec := tern.ChatSessionRecord{
		SessionID:    tern.NewID(),
		ThreadID:     threadID,
		TerminalID:   trec.TerminalID,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
		PolicyJSON:   marshalPolicy(m.policy),
	}
	if err := m.store.CreateSessionBundle(ctx, tern.SessionBundle{
		Session:  srec,
		Terminal: trec,
		Lease:    lrec,
	}); err != nil {
		return nil, err
	}
	m.logger.Info("chat session created",
		"thread_id", threadID, "session_id", srec.SessionID, "provider", lrec.ProviderName)
	return m.assembleLocked(srec, m.policy, trec, lrec)
}

// rebuildLocked reattaches to a session row that survived a restart.
func (m *Manager) rebuildLocked(ctx context.Context, rec tern.ChatSessionRecord, pol Policy) (*liveSession, error) {
	trec, err := m.store.GetTerminal(ctx, rec.TerminalID)
	if err != nil {
		return nil, fmt.Errorf("session %s: load terminal: %w", rec.SessionID, err)
	}
	lrec, err := m.store.GetLease(ctx, trec.LeaseID)
	if errors.Is(err, tern.ErrNotFound) {
		lrec = tern.LeaseRecord{LeaseID: trec.LeaseID, ProviderName: m.defaultProvider}
	} else if err != nil {
		return nil, fmt.Errorf("session %s: load lease: %w", rec.SessionID, err)
	}
	return m.assembleLocked(rec, pol, trec, lrec)
}

// assembleLocked wires records into a cached live session.
func (m *Manager) assembleLocked(rec tern.ChatSessionRecord, pol Policy, trec tern.TerminalRecord, lrec tern.LeaseRecord) (*liveSession, error) {
	term, err := newTerminal(trec, m.store)
	if err != nil {
		return nil, err
	}
	provider, err := m.providerFor(lrec.ProviderName)
	if err != nil {
		return nil, err
	}
	lease, err := newLease(lrec, provider, m.instanceConfigFor(rec.ThreadID), m.store, m.logger)
	if err != nil {
		return nil, err
	}
	var rt Runtime
	if provider == nil {
		rt = NewLocalRuntime(term, m.logger)
	} else {
		rt = NewRemoteRuntime(term, lease, m.logger)
	}
	ls := &liveSession{record: rec, policy: pol, terminal: term, lease: lease, runtime: rt}
	m.live[rec.ThreadID] = ls
	return ls, nil
}

// providerFor resolves a lease's provider name. Host means no provider.
func (m *Manager) providerFor(name string) (tern.SandboxProvider, error) {
	if name == "" || name == HostProviderName {
		return nil, nil
	}
	p, ok := m.providers[name]
	if !ok {
		return nil, tern.Errorf(tern.KindInvalidInput, "sandbox provider %q is not registered", name)
	}
	return p, nil
}

// instanceConfigFor stamps the thread onto the instance labels so
// providers can tell whose compute an instance is.
func (m *Manager) instanceConfigFor(threadID string) tern.InstanceConfig {
	cfg := m.instanceCfg
	cfg.Labels = maps.Clone(cfg.Labels)
	if cfg.Labels == nil {
		cfg.Labels = make(map[string]string, 1)
	}
	cfg.Labels["tern.thread_id"] = threadID
	return cfg
}

// initialCwd picks the starting working directory for a new terminal.
func (m *Manager) initialCwd(threadID, providerName string) string {
	if providerName == "" || providerName == HostProviderName {
		return filepath.Join(m.workspaceRoot, threadID)
	}
	if m.instanceCfg.WorkDir != "" {
		return m.instanceCfg.WorkDir
	}
	return "/workspace"
}

// capabilityLocked wraps a live session for tool handlers.
func (m *Manager) capabilityLocked(ls *liveSession) *Capability {
	return &Capability{
		mgr:       m,
		threadID:  ls.record.ThreadID,
		sessionID: ls.record.SessionID,
		terminal:  ls.terminal,
		lease:     ls.lease,
		runtime:   ls.runtime,
	}
}

// expireLocked retires a live session whose policy window has passed. The
// store update is synchronous so a replacement can be created immediately;
// parking the instance happens in the background.
func (m *Manager) expireLocked(ctx context.Context, ls *liveSession) {
	ls.runtime.Close()
	delete(m.live, ls.record.ThreadID)
	if err := m.store.UpdateSessionStatus(ctx, ls.record.SessionID, StatusExpired); err != nil {
		m.logger.Warn("marking session expired failed",
			"session_id", ls.record.SessionID, "error", err)
	}
	m.logger.Info("chat session expired",
		"thread_id", ls.record.ThreadID, "session_id", ls.record.SessionID)
	m.parkInstance(ls.lease)
}

// parkInstance pauses a lease's instance without holding the manager lock.
func (m *Manager) parkInstance(lease *Lease) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := lease.PauseInstance(ctx); err != nil {
			m.logger.Warn("parking instance failed", "lease_id", lease.ID(), "error", err)
		}
	}()
}

// touchSession records activity on the thread's session.
func (m *Manager) touchSession(ctx context.Context, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[threadID]
	if !ok {
		return
	}
	now := m.now().Unix()
	ls.record.LastActiveAt = now
	if err := m.store.TouchSession(ctx, ls.record.SessionID, now); err != nil {
		m.logger.Warn("touch session failed", "session_id", ls.record.SessionID, "error", err)
	}
}

// failSession tears a session down after a fatal provider error: the
// lease's instance is marked dead and the session closed, so the next
// tool call builds a fresh session and instance.
func (m *Manager) failSession(ctx context.Context, threadID string) {
	m.mu.Lock()
	ls, ok := m.live[threadID]
	if ok {
		ls.runtime.Close()
		delete(m.live, threadID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ls.lease.MarkDead(ctx)
	if err := m.store.UpdateSessionStatus(ctx, ls.record.SessionID, StatusClosed); err != nil {
		m.logger.Warn("closing failed session failed",
			"session_id", ls.record.SessionID, "error", err)
	}
	m.logger.Warn("chat session closed after provider failure",
		"thread_id", threadID, "session_id", ls.record.SessionID)
}

// --- Administrative operations ---

// liveOrLoad returns the thread's live session, reattaching from the
// store when needed. Unlike GetSandbox it never creates anything.
func (m *Manager) liveOrLoad(ctx context.Context, threadID string) (*liveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ls, ok := m.live[threadID]; ok {
		return ls, nil
	}
	rec, err := m.store.GetSessionByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return m.rebuildLocked(ctx, rec, unmarshalPolicy(rec.PolicyJSON))
}

// PauseSession pauses the thread's session and parks its instance.
func (m *Manager) PauseSession(ctx context.Context, threadID string) error {
	ls, err := m.liveOrLoad(ctx, threadID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if ls.record.Status != StatusActive {
		m.mu.Unlock()
		return nil
	}
	ls.record.Status = StatusPaused
	m.mu.Unlock()
	if err := m.store.UpdateSessionStatus(ctx, ls.record.SessionID, StatusPaused); err != nil {
		return err
	}
	return ls.lease.PauseInstance(ctx)
}

// ResumeSession reactivates a paused session and eagerly wakes its
// instance when the lease has one.
func (m *Manager) ResumeSession(ctx context.Context, threadID string) error {
	ls, err := m.liveOrLoad(ctx, threadID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if ls.record.Status != StatusPaused {
		m.mu.Unlock()
		return nil
	}
	ls.record.Status = StatusActive
	now := m.now().Unix()
	ls.record.LastActiveAt = now
	m.mu.Unlock()
	if err := m.store.UpdateSessionStatus(ctx, ls.record.SessionID, StatusActive); err != nil {
		return err
	}
	if err := m.store.TouchSession(ctx, ls.record.SessionID, now); err != nil {
		m.logger.Warn("touch session failed", "session_id", ls.record.SessionID, "error", err)
	}
	if ls.lease.Provider() != nil && ls.lease.Instance() != nil {
		if _, err := ls.lease.EnsureActiveInstance(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CloseSession releases the thread's runtime and closes the session. The
// lease and its instance survive; only explicit destruction collapses
// them.
func (m *Manager) CloseSession(ctx context.Context, threadID string) error {
	ls, err := m.liveOrLoad(ctx, threadID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ls.runtime.Close()
	delete(m.live, threadID)
	m.mu.Unlock()
	return m.store.UpdateSessionStatus(ctx, ls.record.SessionID, StatusClosed)
}

// DestroySession closes the session and destroys the lease's instance.
// The lease row itself survives so the thread's next session reuses it.
func (m *Manager) DestroySession(ctx context.Context, threadID string) error {
	ls, err := m.liveOrLoad(ctx, threadID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ls.runtime.Close()
	delete(m.live, threadID)
	m.mu.Unlock()
	if err := ls.lease.DestroyInstance(ctx); err != nil {
		m.logger.Warn("destroy instance failed", "lease_id", ls.lease.ID(), "error", err)
	}
	return m.store.UpdateSessionStatus(ctx, ls.record.SessionID, StatusClosed)
}

// Status bundles the durable rows describing a thread's sandbox.
type Status struct {
	Session  tern.ChatSessionRecord `json:"session"`
	Terminal tern.TerminalRecord    `json:"terminal"`
	Lease    tern.LeaseRecord       `json:"lease"`
}

// SessionStatus reports the thread's live session with its terminal and
// lease rows. Returns tern.ErrNotFound when no live session exists.
func (m *Manager) SessionStatus(ctx context.Context, threadID string) (Status, error) {
	rec, err := m.store.GetSessionByThread(ctx, threadID)
	if err != nil {
		return Status{}, err
	}
	out := Status{Session: rec}
	trec, err := m.store.GetTerminal(ctx, rec.TerminalID)
	if err != nil {
		return out, err
	}
	out.Terminal = trec
	lrec, err := m.store.GetLease(ctx, trec.LeaseID)
	if err != nil && !errors.Is(err, tern.ErrNotFound) {
		return out, err
	}
	out.Lease = lrec
	return out, nil
}

// TerminalStatus reports the thread's terminal row, which outlives any
// session.
func (m *Manager) TerminalStatus(ctx context.Context, threadID string) (tern.TerminalRecord, error) {
	return m.store.GetTerminalByThread(ctx, threadID)
}

// LeaseStatus reports the lease row behind the thread's terminal.
func (m *Manager) LeaseStatus(ctx context.Context, threadID string) (tern.LeaseRecord, error) {
	trec, err := m.store.GetTerminalByThread(ctx, threadID)
	if err != nil {
		return tern.LeaseRecord{}, err
	}
	return m.store.GetLease(ctx, trec.LeaseID)
}

// --- Background sweeper ---

// runSweeper drives the eager reap loop until Close.
func (m *Manager) runSweeper(interval time.Duration) {
	defer close(m.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOnce(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// sweepOnce expires every session whose policy window has passed: live
// ones first, then store rows left behind by earlier processes.
func (m *Manager) sweepOnce(ctx context.Context) {
	now := m.now().Unix()

	m.mu.Lock()
	var stale []*liveSession
	for _, ls := range m.live {
		if ls.policy.Expired(ls.record.CreatedAt, ls.record.LastActiveAt, now) {
			stale = append(stale, ls)
		}
	}
	for _, ls := range stale {
		m.expireLocked(ctx, ls)
	}
	live := make(map[string]bool, len(m.live))
	for threadID := range m.live {
		live[threadID] = true
	}
	m.mu.Unlock()

	rows, err := m.store.ListSessionsByStatus(ctx, StatusActive, StatusPaused)
	if err != nil {
		m.logger.Warn("sweep: list sessions failed", "error", err)
		return
	}
	for _, rec := range rows {
		if live[rec.ThreadID] {
			continue
		}
		pol := unmarshalPolicy(rec.PolicyJSON)
		if !pol.Expired(rec.CreatedAt, rec.LastActiveAt, now) {
			continue
		}
		if err := m.store.UpdateSessionStatus(ctx, rec.SessionID, StatusExpired); err != nil {
			m.logger.Warn("sweep: expire session failed", "session_id", rec.SessionID, "error", err)
			continue
		}
		m.logger.Info("chat session expired",
			"thread_id", rec.ThreadID, "session_id", rec.SessionID)
		m.parkOrphan(ctx, rec)
	}
}

// parkOrphan pauses the instance behind a session that was never live in
// this process, typically one left running across a restart.
func (m *Manager) parkOrphan(ctx context.Context, rec tern.ChatSessionRecord) {
	trec, err := m.store.GetTerminal(ctx, rec.TerminalID)
	if err != nil {
		return
	}
	lrec, err := m.store.GetLease(ctx, trec.LeaseID)
	if err != nil {
		return
	}
	provider, err := m.providerFor(lrec.ProviderName)
	if err != nil || provider == nil {
		return
	}
	lease, err := newLease(lrec, provider, m.instanceConfigFor(rec.ThreadID), m.store, m.logger)
	if err != nil {
		return
	}
	m.parkInstance(lease)
}

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ternhq/tern"
)

// Lease is the in-process handle on a durable compute lease. The lease
// identity is stable; the instance it holds is ephemeral and may be nil
// when nothing has been created yet or the last instance was destroyed.
//
// All instance transitions serialize under the lease lock, so two tool
// calls racing to wake the same sandbox produce one provider call.
type Lease struct {
	id           string
	providerName string
	provider     tern.SandboxProvider // nil for host leases that never need an instance
	cfg          tern.InstanceConfig
	store        tern.Store
	logger       *slog.Logger

	mu   sync.Mutex
	inst *tern.Instance
}

// newLease builds a Lease from its stored record. provider may be nil when
// the lease names a provider that is not registered anymore; execution
// then fails with a clear error instead of at load time.
func newLease(rec tern.LeaseRecord, provider tern.SandboxProvider, cfg tern.InstanceConfig, store tern.Store, logger *slog.Logger) (*Lease, error) {
	l := &Lease{
		id:           rec.LeaseID,
		providerName: rec.ProviderName,
		provider:     provider,
		cfg:          cfg,
		store:        store,
		logger:       logger,
	}
	if len(rec.InstanceJSON) > 0 {
		var inst tern.Instance
		if err := json.Unmarshal(rec.InstanceJSON, &inst); err != nil {
			return nil, fmt.Errorf("lease %s: decode instance: %w", rec.LeaseID, err)
		}
		if inst.ID != "" {
			l.inst = &inst
		}
	}
	return l, nil
}

// ID returns the lease's durable identifier.
func (l *Lease) ID() string { return l.id }

// ProviderName returns the provider this lease is bound to.
func (l *Lease) ProviderName() string { return l.providerName }

// Provider returns the bound provider, nil for host leases.
func (l *Lease) Provider() tern.SandboxProvider { return l.provider }

// Instance returns a copy of the current instance handle, or nil when the
// lease holds none.
func (l *Lease) Instance() *tern.Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inst == nil {
		return nil
	}
	inst := *l.inst
	return &inst
}

// EnsureActiveInstance guarantees a running instance or fails. A running
// instance is returned as is; a paused one is resumed; a dead or absent
// one is replaced by a freshly created instance. Every state change is
// persisted before returning. Provider failures propagate unwrapped so
// callers can classify them.
func (l *Lease) EnsureActiveInstance(ctx context.Context) (tern.Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.provider == nil {
		return tern.Instance{}, tern.Errorf(tern.KindInternalBug,
			"lease %s: provider %q is not registered", l.id, l.providerName)
	}

	if l.inst != nil {
		switch l.inst.State {
		case tern.InstanceRunning:
			return *l.inst, nil
		case tern.InstancePaused:
			if err := l.provider.Resume(ctx, l.inst.ID); err != nil {
				if !tern.IsTransient(err) {
					l.inst.State = tern.InstanceDead
					l.persistLocked(ctx)
				}
				return tern.Instance{}, err
			}
			l.inst.State = tern.InstanceRunning
			if err := l.persistLocked(ctx); err != nil {
				return tern.Instance{}, err
			}
			l.logger.Info("sandbox instance resumed", "lease_id", l.id, "instance_id", l.inst.ID)
			return *l.inst, nil
		}
		// Dead instance: fall through and replace it.
	}

	inst, err := l.provider.CreateInstance(ctx, l.cfg)
	if err != nil {
		return tern.Instance{}, err
	}
	l.inst = &inst
	if err := l.persistLocked(ctx); err != nil {
		return tern.Instance{}, err
	}
	l.logger.Info("sandbox instance created",
		"lease_id", l.id, "provider", l.providerName, "instance_id", inst.ID)
	return inst, nil
}

// PauseInstance pauses a running instance via the provider and persists
// the new state. Pausing a lease with no running instance is a no-op.
func (l *Lease) PauseInstance(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.provider == nil || l.inst == nil || l.inst.State != tern.InstanceRunning {
		return nil
	}
	if err := l.provider.Pause(ctx, l.inst.ID); err != nil {
		return err
	}
	l.inst.State = tern.InstancePaused
	return l.persistLocked(ctx)
}

// DestroyInstance destroys the current instance, if any, and clears the
// handle. The lease row itself survives; the next EnsureActiveInstance
// creates a fresh instance.
func (l *Lease) DestroyInstance(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.provider == nil || l.inst == nil {
		return nil
	}
	if err := l.provider.Destroy(ctx, l.inst.ID); err != nil {
		if tern.IsTransient(err) {
			return err
		}
		// Unreachable for good; drop the handle so the lease can recover.
		l.logger.Warn("sandbox destroy failed, dropping handle",
			"lease_id", l.id, "instance_id", l.inst.ID, "error", err)
	}
	l.inst = nil
	return l.persistLocked(ctx)
}

// MarkDead records the instance as dead without a provider call. Used
// after a fatal provider error so the next access recreates compute.
func (l *Lease) MarkDead(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inst == nil {
		return
	}
	l.inst.State = tern.InstanceDead
	if err := l.persistLocked(ctx); err != nil {
		l.logger.Warn("persisting dead lease failed", "lease_id", l.id, "error", err)
	}
}

// persistLocked writes the lease row. Callers hold l.mu.
func (l *Lease) persistLocked(ctx context.Context) error {
	rec := tern.LeaseRecord{LeaseID: l.id, ProviderName: l.providerName}
	if l.inst != nil {
		data, err := json.Marshal(l.inst)
		if err != nil {
			return fmt.Errorf("lease %s: encode instance: %w", l.id, err)
		}
		rec.InstanceJSON = data
	}
	return l.store.PutLease(ctx, rec)
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/ternhq/tern"
)

// TerminalState is the durable snapshot a runtime hydrates from and writes
// back after each command. Cwd is always absolute; EnvDelta holds only the
// variables exported during the conversation, not the full environment.
// Version increases by one on every persisted mutation.
type TerminalState struct {
	Cwd      string            `json:"cwd"`
	EnvDelta map[string]string `json:"env_delta,omitempty"`
	Version  int64             `json:"version"`
}

// clone returns a deep copy so callers can mutate freely.
func (s TerminalState) clone() TerminalState {
	out := s
	if s.EnvDelta != nil {
		out.EnvDelta = maps.Clone(s.EnvDelta)
	}
	return out
}

// Terminal is the in-process handle on a thread's durable terminal state.
// Concurrent updates serialize under the terminal's own lock; updates from
// other processes are caught by the store's version check and resolved by
// reloading.
type Terminal struct {
	id       string
	threadID string
	leaseID  string
	store    tern.Store

	mu    sync.Mutex
	state TerminalState
}

// newTerminal builds a Terminal from its stored record.
func newTerminal(rec tern.TerminalRecord, store tern.Store) (*Terminal, error) {
	var state TerminalState
	if len(rec.StateJSON) > 0 {
		if err := json.Unmarshal(rec.StateJSON, &state); err != nil {
			return nil, fmt.Errorf("terminal %s: decode state: %w", rec.TerminalID, err)
		}
	}
	state.Version = rec.Version
	return &Terminal{
		id:       rec.TerminalID,
		threadID: rec.ThreadID,
		leaseID:  rec.LeaseID,
		store:    store,
		state:    state,
	}, nil
}

// ID returns the terminal's durable identifier.
func (t *Terminal) ID() string { return t.id }

// ThreadID returns the owning thread.
func (t *Terminal) ThreadID() string { return t.threadID }

// LeaseID returns the lease this terminal executes against.
func (t *Terminal) LeaseID() string { return t.leaseID }

// State returns an immutable snapshot of the current terminal state.
func (t *Terminal) State() TerminalState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

// terminalUpdateAttempts bounds CAS retries against writers in other
// processes. In-process writers never conflict because of the lock.
const terminalUpdateAttempts = 3

// UpdateState persists next as the new terminal state, bumping the version
// by one. next.Version is ignored; the terminal's tracked version is
// authoritative. When another process won a version race the state is
// reloaded and the write retried, last writer wins.
func (t *Terminal) UpdateState(ctx context.Context, next TerminalState) error {
	return t.Mutate(ctx, func(TerminalState) TerminalState { return next })
}

// Mutate applies fn to the current state under the terminal lock and
// persists the result. fn receives a private copy; on a cross-process
// version race the latest state is reloaded and fn applied again.
func (t *Terminal) Mutate(ctx context.Context, fn func(TerminalState) TerminalState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for attempt := 0; attempt < terminalUpdateAttempts; attempt++ {
		candidate := fn(t.state.clone())
		candidate.Version = t.state.Version + 1
		data, err := json.Marshal(candidate)
		if err != nil {
			return fmt.Errorf("terminal %s: encode state: %w", t.id, err)
		}
		err = t.store.UpdateTerminalState(ctx, t.id, data, t.state.Version)
		if err == nil {
			t.state = candidate
			return nil
		}
		if !errors.Is(err, tern.ErrVersionConflict) {
			return err
		}
		rec, loadErr := t.store.GetTerminal(ctx, t.id)
		if loadErr != nil {
			return loadErr
		}
		var latest TerminalState
		if len(rec.StateJSON) > 0 {
			if decErr := json.Unmarshal(rec.StateJSON, &latest); decErr != nil {
				return fmt.Errorf("terminal %s: decode state: %w", t.id, decErr)
			}
		}
		latest.Version = rec.Version
		t.state = latest
	}
	return tern.ErrVersionConflict
}

// Package sandbox implements the durable session layer between threads and
// compute instances.
//
// Three levels of state with different lifetimes are kept apart so that a
// conversation's terminal survives everything short of thread deletion:
//
//   - Terminal: the durable (cwd, env delta, version) snapshot for a
//     thread. Created with the first session, destroyed only with the
//     thread.
//   - Lease: a durable handle to shared compute. The lease identity
//     outlives any concrete instance; the instance may be paused,
//     destroyed, and recreated many times.
//   - Session: the active policy window binding thread to terminal and
//     lease. Expires on idle or max-duration, and is cheap to recreate.
//
// The Manager hands out Capability values that middleware tool handlers
// use to execute commands and touch files. A Capability routes through a
// Runtime, which hydrates persisted terminal state onto whatever instance
// the lease currently holds.
package sandbox

import (
	"encoding/json"
	"time"
)

// Session statuses. Active and paused are the live states; expired and
// closed are terminal and a new session must be created.
const (
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusExpired = "expired"
	StatusClosed  = "closed"
)

// Default session policy bounds.
const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMaxDuration = 24 * time.Hour
)

// Policy bounds a session's lifetime. A session expires when it has been
// idle for IdleTimeoutSeconds or alive for MaxDurationSeconds, whichever
// comes first. Zero fields take the package defaults.
type Policy struct {
	IdleTimeoutSeconds int64 `json:"idle_timeout_seconds"`
	MaxDurationSeconds int64 `json:"max_duration_seconds"`
}

// DefaultPolicy returns the standard 30 minute idle, 24 hour max policy.
func DefaultPolicy() Policy {
	return Policy{
		IdleTimeoutSeconds: int64(DefaultIdleTimeout / time.Second),
		MaxDurationSeconds: int64(DefaultMaxDuration / time.Second),
	}
}

// withDefaults fills zero fields from the package defaults.
func (p Policy) withDefaults() Policy {
	if p.IdleTimeoutSeconds <= 0 {
		p.IdleTimeoutSeconds = int64(DefaultIdleTimeout / time.Second)
	}
	if p.MaxDurationSeconds <= 0 {
		p.MaxDurationSeconds = int64(DefaultMaxDuration / time.Second)
	}
	return p
}

// IdleTimeout returns the idle bound as a duration.
func (p Policy) IdleTimeout() time.Duration {
	return time.Duration(p.withDefaults().IdleTimeoutSeconds) * time.Second
}

// MaxDuration returns the lifetime bound as a duration.
func (p Policy) MaxDuration() time.Duration {
	return time.Duration(p.withDefaults().MaxDurationSeconds) * time.Second
}

// Expired reports whether a session created at createdAt and last touched
// at lastActiveAt has passed either policy bound at time now. All times
// are unix seconds.
func (p Policy) Expired(createdAt, lastActiveAt, now int64) bool {
	p = p.withDefaults()
	return now-lastActiveAt >= p.IdleTimeoutSeconds || now-createdAt >= p.MaxDurationSeconds
}

// marshalPolicy serializes p for the session row. Defaults are filled in
// first so the stored policy is self-describing.
func marshalPolicy(p Policy) json.RawMessage {
	data, err := json.Marshal(p.withDefaults())
	if err != nil {
		return nil
	}
	return data
}

// unmarshalPolicy reads a stored policy, falling back to defaults for
// missing or malformed rows.
func unmarshalPolicy(raw json.RawMessage) Policy {
	var p Policy
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p.withDefaults()
}

package tern

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by store lookups for missing rows.
var ErrNotFound = errors.New("tern: not found")

// ErrVersionConflict is returned when an optimistic terminal-state update
// loses the race.
var ErrVersionConflict = errors.New("tern: version conflict")

// Thread is a persistent agent identity. Each thread owns one conversation,
// at most one live sandbox session, and at most one active run at a time.
type Thread struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	QueueMode QueueMode       `json:"queue_mode"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// ChatSessionRecord is the durable row behind a sandbox chat session.
type ChatSessionRecord struct {
	SessionID    string          `json:"session_id"`
	ThreadID     string          `json:"thread_id"`
	TerminalID   string          `json:"terminal_id"`
	Status       string          `json:"status"` // "active", "paused", "expired", "closed"
	CreatedAt    int64           `json:"created_at"`
	LastActiveAt int64           `json:"last_active_at"`
	PolicyJSON   json.RawMessage `json:"policy_json,omitempty"`
}

// TerminalRecord is the durable row behind an abstract terminal. StateJSON
// holds the serialized terminal state; Version mirrors the state's version
// for optimistic concurrency.
type TerminalRecord struct {
	TerminalID string          `json:"terminal_id"`
	ThreadID   string          `json:"thread_id"`
	LeaseID    string          `json:"lease_id"`
	StateJSON  json.RawMessage `json:"state_json"`
	Version    int64           `json:"version"`
}

// LeaseRecord is the durable row behind a sandbox lease. InstanceJSON holds
// the provider's serialized instance handle.
type LeaseRecord struct {
	LeaseID      string          `json:"lease_id"`
	ProviderName string          `json:"provider_name"`
	InstanceJSON json.RawMessage `json:"instance_json,omitempty"`
}

// RunEventRecord is one persisted run trace event.
type RunEventRecord struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	DataJSON  json.RawMessage `json:"data_json"`
	CreatedAt int64           `json:"created_at"`
}

// SessionBundle groups the rows created together when a thread first needs
// sandbox access. Stores insert all three in one transaction.
type SessionBundle struct {
	Session  ChatSessionRecord
	Terminal TerminalRecord
	Lease    LeaseRecord
}

// Store abstracts the durable layer. Implementations must enable WAL (or
// the engine's equivalent), enforce foreign keys, and guarantee at most one
// non-terminal chat session per thread.
type Store interface {
	// --- Threads ---
	CreateThread(ctx context.Context, t Thread) error
	GetThread(ctx context.Context, id string) (Thread, error)
	ListThreads(ctx context.Context, limit int) ([]Thread, error)
	UpdateThread(ctx context.Context, t Thread) error
	// DeleteThread removes the thread and everything hanging off it:
	// messages, session, terminal, summaries. Run events are keyed by run
	// id and pruned independently.
	DeleteThread(ctx context.Context, id string) error

	// --- Conversation messages ---
	AppendMessage(ctx context.Context, threadID string, msg ChatMessage) error
	Messages(ctx context.Context, threadID string) ([]ChatMessage, error)
	// ReplaceMessages atomically swaps the thread's live conversation,
	// used after compaction rewrites the head.
	ReplaceMessages(ctx context.Context, threadID string, msgs []ChatMessage) error

	// --- Chat sessions ---
	CreateSessionBundle(ctx context.Context, b SessionBundle) error
	GetSessionByThread(ctx context.Context, threadID string) (ChatSessionRecord, error)
	ListSessionsByStatus(ctx context.Context, statuses ...string) ([]ChatSessionRecord, error)
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
	TouchSession(ctx context.Context, sessionID string, lastActiveAt int64) error

	// --- Abstract terminals ---
	GetTerminal(ctx context.Context, terminalID string) (TerminalRecord, error)
	GetTerminalByThread(ctx context.Context, threadID string) (TerminalRecord, error)
	// UpdateTerminalState persists new state only if the stored version
	// still equals expectVersion, and advances it by one. Returns
	// ErrVersionConflict otherwise.
	UpdateTerminalState(ctx context.Context, terminalID string, stateJSON json.RawMessage, expectVersion int64) error
	SetTerminalLease(ctx context.Context, terminalID, leaseID string) error

	// --- Sandbox leases ---
	PutLease(ctx context.Context, l LeaseRecord) error
	GetLease(ctx context.Context, leaseID string) (LeaseRecord, error)
	DeleteLease(ctx context.Context, leaseID string) error

	// --- Compaction summaries ---
	SummaryStore

	// --- Run event trace ---
	AppendRunEvent(ctx context.Context, ev RunEventRecord) error
	RunEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEventRecord, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

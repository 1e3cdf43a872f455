// Package postgres implements tern.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ternhq/tern"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements tern.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ tern.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT,
			queue_mode TEXT NOT NULL DEFAULT 'steer',
			metadata JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id)`,

		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			terminal_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_active_at BIGINT NOT NULL,
			policy_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_status_idx ON chat_sessions(status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sessions_live_idx
			ON chat_sessions(thread_id) WHERE status IN ('active', 'paused')`,

		`CREATE TABLE IF NOT EXISTS abstract_terminals (
			terminal_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			lease_id TEXT,
			state_json JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS terminals_thread_idx ON abstract_terminals(thread_id)`,

		`CREATE TABLE IF NOT EXISTS sandbox_leases (
			lease_id TEXT PRIMARY KEY,
			provider_name TEXT NOT NULL,
			instance_json JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS summaries (
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			slot_index BIGINT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, slot_index)
		)`,

		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			data_json JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Debug("postgres: init completed")
	return nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }

// --- Threads ---

// CreateThread inserts a thread row.
func (s *Store) CreateThread(ctx context.Context, t tern.Thread) error {
	mode := t.QueueMode
	if mode == "" {
		mode = tern.DefaultQueueMode
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, title, queue_mode, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, nullableStr(t.Title), string(mode), nullableRaw(t.Metadata), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create thread: %w", err)
	}
	return nil
}

// GetThread fetches one thread.
func (s *Store) GetThread(ctx context.Context, id string) (tern.Thread, error) {
	var (
		t        tern.Thread
		title    *string
		mode     string
		metadata []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, queue_mode, metadata, created_at, updated_at FROM threads WHERE id = $1`, id).
		Scan(&t.ID, &title, &mode, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tern.Thread{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.Thread{}, fmt.Errorf("postgres: get thread: %w", err)
	}
	if title != nil {
		t.Title = *title
	}
	t.QueueMode = tern.QueueMode(mode)
	t.Metadata = json.RawMessage(metadata)
	return t, nil
}

// ListThreads returns the most recently updated threads, newest first.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]tern.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, queue_mode, metadata, created_at, updated_at
		 FROM threads ORDER BY updated_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var threads []tern.Thread
	for rows.Next() {
		var (
			t        tern.Thread
			title    *string
			mode     string
			metadata []byte
		)
		if err := rows.Scan(&t.ID, &title, &mode, &metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan thread: %w", err)
		}
		if title != nil {
			t.Title = *title
		}
		t.QueueMode = tern.QueueMode(mode)
		t.Metadata = json.RawMessage(metadata)
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate threads: %w", err)
	}
	return threads, nil
}

// UpdateThread rewrites a thread's mutable columns.
func (s *Store) UpdateThread(ctx context.Context, t tern.Thread) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET title = $1, queue_mode = $2, metadata = $3, updated_at = $4 WHERE id = $5`,
		nullableStr(t.Title), string(t.QueueMode), nullableRaw(t.Metadata), t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("postgres: update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tern.ErrNotFound
	}
	return nil
}

// DeleteThread removes the thread; dependent rows cascade via foreign keys.
// Leases referenced by the thread's terminals are removed explicitly since
// leases have no thread column.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`DELETE FROM sandbox_leases WHERE lease_id IN
		 (SELECT lease_id FROM abstract_terminals WHERE thread_id = $1 AND lease_id IS NOT NULL)`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete leases: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tern.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// --- Conversation messages ---

// AppendMessage appends one message to the thread's conversation.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg tern.ChatMessage) error {
	toolCalls, err := marshalToolCalls(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("postgres: marshal tool calls: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (thread_id, role, content, tool_calls, tool_call_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		threadID, msg.Role, msg.Content, toolCalls, nullableStr(msg.ToolCallID), nullableRaw(msg.Metadata), tern.NowUnix())
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

// Messages returns the thread's full conversation in insertion order.
func (s *Store) Messages(ctx context.Context, threadID string) ([]tern.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, tool_calls, tool_call_id, metadata
		 FROM messages WHERE thread_id = $1 ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var msgs []tern.ChatMessage
	for rows.Next() {
		var (
			m          tern.ChatMessage
			toolCalls  []byte
			toolCallID *string
			metadata   []byte
		)
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID, &metadata); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal tool calls: %w", err)
			}
		}
		if toolCallID != nil {
			m.ToolCallID = *toolCallID
		}
		m.Metadata = json.RawMessage(metadata)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return msgs, nil
}

// ReplaceMessages atomically swaps the thread's conversation.
func (s *Store) ReplaceMessages(ctx context.Context, threadID string, msgs []tern.ChatMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("postgres: clear messages: %w", err)
	}
	now := tern.NowUnix()
	for _, msg := range msgs {
		toolCalls, err := marshalToolCalls(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("postgres: marshal tool calls: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (thread_id, role, content, tool_calls, tool_call_id, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			threadID, msg.Role, msg.Content, toolCalls, nullableStr(msg.ToolCallID), nullableRaw(msg.Metadata), now)
		if err != nil {
			return fmt.Errorf("postgres: insert message: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// --- Chat sessions ---

// CreateSessionBundle inserts the session, terminal, and lease rows in one
// transaction. Terminal and lease rows that already exist are left
// untouched, so recreating a session for a thread whose terminal survived
// the previous session reuses them.
func (s *Store) CreateSessionBundle(ctx context.Context, b tern.SessionBundle) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO sandbox_leases (lease_id, provider_name, instance_json) VALUES ($1, $2, $3)
		 ON CONFLICT (lease_id) DO NOTHING`,
		b.Lease.LeaseID, b.Lease.ProviderName, nullableRaw(b.Lease.InstanceJSON))
	if err != nil {
		return fmt.Errorf("postgres: insert lease: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO abstract_terminals (terminal_id, thread_id, lease_id, state_json, version)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (terminal_id) DO NOTHING`,
		b.Terminal.TerminalID, b.Terminal.ThreadID, nullableStr(b.Terminal.LeaseID),
		[]byte(b.Terminal.StateJSON), b.Terminal.Version)
	if err != nil {
		return fmt.Errorf("postgres: insert terminal: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO chat_sessions (session_id, thread_id, terminal_id, status, created_at, last_active_at, policy_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.Session.SessionID, b.Session.ThreadID, b.Session.TerminalID, b.Session.Status,
		b.Session.CreatedAt, b.Session.LastActiveAt, nullableRaw(b.Session.PolicyJSON))
	if err != nil {
		return fmt.Errorf("postgres: insert session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// GetSessionByThread returns the thread's live (active or paused) session.
func (s *Store) GetSessionByThread(ctx context.Context, threadID string) (tern.ChatSessionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, thread_id, terminal_id, status, created_at, last_active_at, policy_json
		 FROM chat_sessions WHERE thread_id = $1 AND status IN ('active', 'paused')`, threadID)
	rec, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tern.ChatSessionRecord{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.ChatSessionRecord{}, fmt.Errorf("postgres: get session: %w", err)
	}
	return rec, nil
}

// ListSessionsByStatus returns all sessions in any of the given statuses,
// oldest activity first.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...string) ([]tern.ChatSessionRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = st
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, thread_id, terminal_id, status, created_at, last_active_at, policy_json
		 FROM chat_sessions WHERE status IN (`+strings.Join(ph, ", ")+`)
		 ORDER BY last_active_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []tern.ChatSessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}
	return out, nil
}

// UpdateSessionStatus moves a session through its lifecycle.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET status = $1 WHERE session_id = $2`, status, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tern.ErrNotFound
	}
	return nil
}

// TouchSession records activity on a session.
func (s *Store) TouchSession(ctx context.Context, sessionID string, lastActiveAt int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET last_active_at = $1 WHERE session_id = $2`, lastActiveAt, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tern.ErrNotFound
	}
	return nil
}

// --- Abstract terminals ---

// GetTerminal fetches one terminal row.
func (s *Store) GetTerminal(ctx context.Context, terminalID string) (tern.TerminalRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT terminal_id, thread_id, lease_id, state_json, version
		 FROM abstract_terminals WHERE terminal_id = $1`, terminalID)
	rec, err := scanTerminal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tern.TerminalRecord{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.TerminalRecord{}, fmt.Errorf("postgres: get terminal: %w", err)
	}
	return rec, nil
}

// GetTerminalByThread fetches the thread's terminal.
func (s *Store) GetTerminalByThread(ctx context.Context, threadID string) (tern.TerminalRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT terminal_id, thread_id, lease_id, state_json, version
		 FROM abstract_terminals WHERE thread_id = $1`, threadID)
	rec, err := scanTerminal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tern.TerminalRecord{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.TerminalRecord{}, fmt.Errorf("postgres: get terminal: %w", err)
	}
	return rec, nil
}

// UpdateTerminalState persists new state only if the stored version still
// equals expectVersion, advancing it by one.
func (s *Store) UpdateTerminalState(ctx context.Context, terminalID string, stateJSON json.RawMessage, expectVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE abstract_terminals SET state_json = $1, version = version + 1
		 WHERE terminal_id = $2 AND version = $3`,
		[]byte(stateJSON), terminalID, expectVersion)
	if err != nil {
		return fmt.Errorf("postgres: update terminal state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx,
			`SELECT 1 FROM abstract_terminals WHERE terminal_id = $1`, terminalID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return tern.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: update terminal state: %w", err)
		}
		return tern.ErrVersionConflict
	}
	return nil
}

// SetTerminalLease points a terminal at a (new) lease.
func (s *Store) SetTerminalLease(ctx context.Context, terminalID, leaseID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE abstract_terminals SET lease_id = $1 WHERE terminal_id = $2`,
		nullableStr(leaseID), terminalID)
	if err != nil {
		return fmt.Errorf("postgres: set terminal lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tern.ErrNotFound
	}
	return nil
}

// --- Sandbox leases ---

// PutLease inserts or replaces a lease row.
func (s *Store) PutLease(ctx context.Context, l tern.LeaseRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sandbox_leases (lease_id, provider_name, instance_json)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (lease_id) DO UPDATE SET
		   provider_name = EXCLUDED.provider_name,
		   instance_json = EXCLUDED.instance_json`,
		l.LeaseID, l.ProviderName, nullableRaw(l.InstanceJSON))
	if err != nil {
		return fmt.Errorf("postgres: put lease: %w", err)
	}
	return nil
}

// GetLease fetches one lease row.
func (s *Store) GetLease(ctx context.Context, leaseID string) (tern.LeaseRecord, error) {
	var (
		l            tern.LeaseRecord
		instanceJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT lease_id, provider_name, instance_json FROM sandbox_leases WHERE lease_id = $1`, leaseID).
		Scan(&l.LeaseID, &l.ProviderName, &instanceJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return tern.LeaseRecord{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.LeaseRecord{}, fmt.Errorf("postgres: get lease: %w", err)
	}
	l.InstanceJSON = json.RawMessage(instanceJSON)
	return l, nil
}

// DeleteLease removes a lease row; deleting an absent lease is not an error.
func (s *Store) DeleteLease(ctx context.Context, leaseID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sandbox_leases WHERE lease_id = $1`, leaseID); err != nil {
		return fmt.Errorf("postgres: delete lease: %w", err)
	}
	return nil
}

// --- Compaction summaries ---

// AppendSummary stores content as the thread's next slot and returns the
// slot index.
func (s *Store) AppendSummary(ctx context.Context, threadID, content string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var slot int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(slot_index), 0) + 1 FROM summaries WHERE thread_id = $1`, threadID).Scan(&slot); err != nil {
		return 0, fmt.Errorf("postgres: next slot: %w", err)
	}
	tokens := (len(content) + tern.CharsPerToken - 1) / tern.CharsPerToken
	_, err = tx.Exec(ctx,
		`INSERT INTO summaries (thread_id, slot_index, content, token_count, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		threadID, slot, content, tokens, tern.NowUnix())
	if err != nil {
		return 0, fmt.Errorf("postgres: insert summary: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return slot, nil
}

// LoadSummaries returns all summary slots for a thread, in slot order.
func (s *Store) LoadSummaries(ctx context.Context, threadID string) ([]tern.SummaryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, slot_index, content, token_count, created_at
		 FROM summaries WHERE thread_id = $1 ORDER BY slot_index ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load summaries: %w", err)
	}
	defer rows.Close()

	var out []tern.SummaryRecord
	for rows.Next() {
		var r tern.SummaryRecord
		if err := rows.Scan(&r.ThreadID, &r.Slot, &r.Content, &r.TokenCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate summaries: %w", err)
	}
	return out, nil
}

// --- Run event trace ---

// AppendRunEvent persists one stamped run event.
func (s *Store) AppendRunEvent(ctx context.Context, ev tern.RunEventRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_events (run_id, seq, event_type, data_json, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.RunID, ev.Seq, ev.EventType, []byte(ev.DataJSON), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append run event: %w", err)
	}
	return nil
}

// RunEvents returns the persisted trace for a run with seq > afterSeq.
func (s *Store) RunEvents(ctx context.Context, runID string, afterSeq int64) ([]tern.RunEventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, seq, event_type, data_json, created_at
		 FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("postgres: run events: %w", err)
	}
	defer rows.Close()

	var out []tern.RunEventRecord
	for rows.Next() {
		var (
			r    tern.RunEventRecord
			data []byte
		)
		if err := rows.Scan(&r.RunID, &r.Seq, &r.EventType, &data, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan run event: %w", err)
		}
		r.DataJSON = json.RawMessage(data)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate run events: %w", err)
	}
	return out, nil
}

// --- scan and marshal helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (tern.ChatSessionRecord, error) {
	var (
		rec    tern.ChatSessionRecord
		policy []byte
	)
	if err := row.Scan(&rec.SessionID, &rec.ThreadID, &rec.TerminalID, &rec.Status,
		&rec.CreatedAt, &rec.LastActiveAt, &policy); err != nil {
		return tern.ChatSessionRecord{}, err
	}
	rec.PolicyJSON = json.RawMessage(policy)
	return rec, nil
}

func scanTerminal(row rowScanner) (tern.TerminalRecord, error) {
	var (
		rec     tern.TerminalRecord
		leaseID *string
		state   []byte
	)
	if err := row.Scan(&rec.TerminalID, &rec.ThreadID, &leaseID, &state, &rec.Version); err != nil {
		return tern.TerminalRecord{}, err
	}
	if leaseID != nil {
		rec.LeaseID = *leaseID
	}
	rec.StateJSON = json.RawMessage(state)
	return rec, nil
}

func marshalToolCalls(calls []tern.ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Package sqlite implements tern.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ternhq/tern"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements tern.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
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

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init applies pragmas and creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	// WAL keeps readers unblocked during run-event appends; foreign keys
	// drive the delete-thread cascade.
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma: %w", err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT,
			queue_mode TEXT NOT NULL DEFAULT 'steer',
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			terminal_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL,
			policy_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS abstract_terminals (
			terminal_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			lease_id TEXT,
			state_json TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sandbox_leases (
			lease_id TEXT PRIMARY KEY,
			provider_name TEXT NOT NULL,
			instance_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			slot_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, slot_index)
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			data_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_status ON chat_sessions(status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_terminals_thread ON abstract_terminals(thread_id)`)
	// At most one live (active or paused) session per thread.
	_, _ = s.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live
		ON chat_sessions(thread_id) WHERE status IN ('active', 'paused')`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- Threads ---

// CreateThread inserts a thread row.
func (s *Store) CreateThread(ctx context.Context, t tern.Thread) error {
	start := time.Now()
	mode := t.QueueMode
	if mode == "" {
		mode = tern.DefaultQueueMode
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, title, queue_mode, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, nullableStr(t.Title), string(mode), nullableRaw(t.Metadata), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create thread failed", "id", t.ID, "error", err)
		return fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: create thread ok", "id", t.ID, "duration", time.Since(start))
	return nil
}

// GetThread fetches one thread.
func (s *Store) GetThread(ctx context.Context, id string) (tern.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, queue_mode, metadata, created_at, updated_at FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tern.Thread{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// ListThreads returns the most recently updated threads, newest first.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]tern.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, queue_mode, metadata, created_at, updated_at
		 FROM threads ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []tern.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// UpdateThread rewrites a thread's mutable columns.
func (s *Store) UpdateThread(ctx context.Context, t tern.Thread) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, queue_mode = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		nullableStr(t.Title), string(t.QueueMode), nullableRaw(t.Metadata), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tern.ErrNotFound
	}
	return nil
}

// DeleteThread removes the thread. Messages, sessions, terminals, and
// summaries follow via foreign keys; leases referenced by the thread's
// terminals are removed explicitly since leases have no thread column.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`DELETE FROM sandbox_leases WHERE lease_id IN
		 (SELECT lease_id FROM abstract_terminals WHERE thread_id = ? AND lease_id IS NOT NULL)`, id)
	if err != nil {
		return fmt.Errorf("delete leases: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tern.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: delete thread ok", "id", id, "duration", time.Since(start))
	return nil
}

// --- Conversation messages ---

// AppendMessage appends one message to the thread's conversation.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg tern.ChatMessage) error {
	toolCalls, err := marshalToolCalls(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (thread_id, role, content, tool_calls, tool_call_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		threadID, msg.Role, msg.Content, toolCalls, nullableStr(msg.ToolCallID), nullableRaw(msg.Metadata), tern.NowUnix(),
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "thread_id", threadID, "role", msg.Role, "error", err)
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns the thread's full conversation in insertion order.
func (s *Store) Messages(ctx context.Context, threadID string) ([]tern.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_calls, tool_call_id, metadata
		 FROM messages WHERE thread_id = ? ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []tern.ChatMessage
	for rows.Next() {
		var (
			m          tern.ChatMessage
			toolCalls  sql.NullString
			toolCallID sql.NullString
			metadata   sql.NullString
		)
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID, &metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if toolCallID.Valid {
			m.ToolCallID = toolCallID.String
		}
		if metadata.Valid {
			m.Metadata = json.RawMessage(metadata.String)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ReplaceMessages atomically swaps the thread's conversation, used after
// compaction rewrites the head.
func (s *Store) ReplaceMessages(ctx context.Context, threadID string, msgs []tern.ChatMessage) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	now := tern.NowUnix()
	for _, msg := range msgs {
		toolCalls, err := marshalToolCalls(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (thread_id, role, content, tool_calls, tool_call_id, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			threadID, msg.Role, msg.Content, toolCalls, nullableStr(msg.ToolCallID), nullableRaw(msg.Metadata), now,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: replace messages ok", "thread_id", threadID, "count", len(msgs), "duration", time.Since(start))
	return nil
}

// --- Chat sessions ---

// CreateSessionBundle inserts the session, terminal, and lease rows that
// come to life together, in one transaction. Terminal and lease rows that
// already exist are left untouched, so recreating a session for a thread
// whose terminal survived the previous session reuses them.
func (s *Store) CreateSessionBundle(ctx context.Context, b tern.SessionBundle) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sandbox_leases (lease_id, provider_name, instance_json) VALUES (?, ?, ?)`,
		b.Lease.LeaseID, b.Lease.ProviderName, nullableRaw(b.Lease.InstanceJSON),
	)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO abstract_terminals (terminal_id, thread_id, lease_id, state_json, version)
		 VALUES (?, ?, ?, ?, ?)`,
		b.Terminal.TerminalID, b.Terminal.ThreadID, nullableStr(b.Terminal.LeaseID),
		string(b.Terminal.StateJSON), b.Terminal.Version,
	)
	if err != nil {
		return fmt.Errorf("insert terminal: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (session_id, thread_id, terminal_id, status, created_at, last_active_at, policy_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Session.SessionID, b.Session.ThreadID, b.Session.TerminalID, b.Session.Status,
		b.Session.CreatedAt, b.Session.LastActiveAt, nullableRaw(b.Session.PolicyJSON),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: create session bundle ok",
		"session_id", b.Session.SessionID, "thread_id", b.Session.ThreadID, "duration", time.Since(start))
	return nil
}

// GetSessionByThread returns the thread's live (active or paused) session.
func (s *Store) GetSessionByThread(ctx context.Context, threadID string) (tern.ChatSessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, thread_id, terminal_id, status, created_at, last_active_at, policy_json
		 FROM chat_sessions WHERE thread_id = ? AND status IN ('active', 'paused')`, threadID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tern.ChatSessionRecord{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.ChatSessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListSessionsByStatus returns all sessions in any of the given statuses,
// oldest activity first, so sweepers work through the stalest sessions.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...string) ([]tern.ChatSessionRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT session_id, thread_id, terminal_id, status, created_at, last_active_at, policy_json
		 FROM chat_sessions WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)
		 ORDER BY last_active_at ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []tern.ChatSessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// UpdateSessionStatus moves a session through its lifecycle.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET status = ? WHERE session_id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tern.ErrNotFound
	}
	s.logger.Debug("sqlite: session status", "session_id", sessionID, "status", status)
	return nil
}

// TouchSession records activity on a session.
func (s *Store) TouchSession(ctx context.Context, sessionID string, lastActiveAt int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_active_at = ? WHERE session_id = ?`, lastActiveAt, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tern.ErrNotFound
	}
	return nil
}

// --- Abstract terminals ---

// GetTerminal fetches one terminal row.
func (s *Store) GetTerminal(ctx context.Context, terminalID string) (tern.TerminalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT terminal_id, thread_id, lease_id, state_json, version
		 FROM abstract_terminals WHERE terminal_id = ?`, terminalID)
	rec, err := scanTerminal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tern.TerminalRecord{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.TerminalRecord{}, fmt.Errorf("get terminal: %w", err)
	}
	return rec, nil
}

// GetTerminalByThread fetches the thread's terminal.
func (s *Store) GetTerminalByThread(ctx context.Context, threadID string) (tern.TerminalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT terminal_id, thread_id, lease_id, state_json, version
		 FROM abstract_terminals WHERE thread_id = ?`, threadID)
	rec, err := scanTerminal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tern.TerminalRecord{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.TerminalRecord{}, fmt.Errorf("get terminal: %w", err)
	}
	return rec, nil
}

// UpdateTerminalState persists new state only if the stored version still
// equals expectVersion, advancing it by one. Returns ErrVersionConflict
// when another writer got there first.
func (s *Store) UpdateTerminalState(ctx context.Context, terminalID string, stateJSON json.RawMessage, expectVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE abstract_terminals SET state_json = ?, version = version + 1
		 WHERE terminal_id = ? AND version = ?`,
		string(stateJSON), terminalID, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("update terminal state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Missing row and stale version look the same to UPDATE.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM abstract_terminals WHERE terminal_id = ?`, terminalID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return tern.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update terminal state: %w", err)
		}
		return tern.ErrVersionConflict
	}
	return nil
}

// SetTerminalLease points a terminal at a (new) lease.
func (s *Store) SetTerminalLease(ctx context.Context, terminalID, leaseID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE abstract_terminals SET lease_id = ? WHERE terminal_id = ?`,
		nullableStr(leaseID), terminalID)
	if err != nil {
		return fmt.Errorf("set terminal lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tern.ErrNotFound
	}
	return nil
}

// --- Sandbox leases ---

// PutLease inserts or replaces a lease row.
func (s *Store) PutLease(ctx context.Context, l tern.LeaseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sandbox_leases (lease_id, provider_name, instance_json) VALUES (?, ?, ?)`,
		l.LeaseID, l.ProviderName, nullableRaw(l.InstanceJSON),
	)
	if err != nil {
		return fmt.Errorf("put lease: %w", err)
	}
	return nil
}

// GetLease fetches one lease row.
func (s *Store) GetLease(ctx context.Context, leaseID string) (tern.LeaseRecord, error) {
	var (
		l            tern.LeaseRecord
		instanceJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT lease_id, provider_name, instance_json FROM sandbox_leases WHERE lease_id = ?`, leaseID).
		Scan(&l.LeaseID, &l.ProviderName, &instanceJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return tern.LeaseRecord{}, tern.ErrNotFound
	}
	if err != nil {
		return tern.LeaseRecord{}, fmt.Errorf("get lease: %w", err)
	}
	if instanceJSON.Valid {
		l.InstanceJSON = json.RawMessage(instanceJSON.String)
	}
	return l, nil
}

// DeleteLease removes a lease row. Deleting an absent lease is not an
// error; dead leases are reaped more than once.
func (s *Store) DeleteLease(ctx context.Context, leaseID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandbox_leases WHERE lease_id = ?`, leaseID); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// --- Compaction summaries ---

// AppendSummary stores content as the thread's next slot and returns the
// slot index. The slot sequence is per thread and never reused.
func (s *Store) AppendSummary(ctx context.Context, threadID, content string) (int64, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var slot int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(slot_index), 0) + 1 FROM summaries WHERE thread_id = ?`, threadID).Scan(&slot); err != nil {
		return 0, fmt.Errorf("next slot: %w", err)
	}
	tokens := (len(content) + tern.CharsPerToken - 1) / tern.CharsPerToken
	_, err = tx.ExecContext(ctx,
		`INSERT INTO summaries (thread_id, slot_index, content, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		threadID, slot, content, tokens, tern.NowUnix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: append summary ok", "thread_id", threadID, "slot", slot, "duration", time.Since(start))
	return slot, nil
}

// LoadSummaries returns all summary slots for a thread, in slot order.
func (s *Store) LoadSummaries(ctx context.Context, threadID string) ([]tern.SummaryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, slot_index, content, token_count, created_at
		 FROM summaries WHERE thread_id = ? ORDER BY slot_index ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	var out []tern.SummaryRecord
	for rows.Next() {
		var r tern.SummaryRecord
		if err := rows.Scan(&r.ThreadID, &r.Slot, &r.Content, &r.TokenCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

// --- Run event trace ---

// AppendRunEvent persists one stamped run event.
func (s *Store) AppendRunEvent(ctx context.Context, ev tern.RunEventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, event_type, data_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.EventType, string(ev.DataJSON), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

// RunEvents returns the persisted trace for a run with seq > afterSeq,
// in seq order.
func (s *Store) RunEvents(ctx context.Context, runID string, afterSeq int64) ([]tern.RunEventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, event_type, data_json, created_at
		 FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("run events: %w", err)
	}
	defer rows.Close()

	var out []tern.RunEventRecord
	for rows.Next() {
		var (
			r    tern.RunEventRecord
			data string
		)
		if err := rows.Scan(&r.RunID, &r.Seq, &r.EventType, &data, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		r.DataJSON = json.RawMessage(data)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return out, nil
}

// --- scan and marshal helpers ---

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (tern.Thread, error) {
	var (
		t        tern.Thread
		title    sql.NullString
		mode     string
		metadata sql.NullString
	)
	if err := row.Scan(&t.ID, &title, &mode, &metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return tern.Thread{}, err
	}
	if title.Valid {
		t.Title = title.String
	}
	t.QueueMode = tern.QueueMode(mode)
	if metadata.Valid {
		t.Metadata = json.RawMessage(metadata.String)
	}
	return t, nil
}

func scanSession(row rowScanner) (tern.ChatSessionRecord, error) {
	var (
		rec    tern.ChatSessionRecord
		policy sql.NullString
	)
	if err := row.Scan(&rec.SessionID, &rec.ThreadID, &rec.TerminalID, &rec.Status,
		&rec.CreatedAt, &rec.LastActiveAt, &policy); err != nil {
		return tern.ChatSessionRecord{}, err
	}
	if policy.Valid {
		rec.PolicyJSON = json.RawMessage(policy.String)
	}
	return rec, nil
}

func scanTerminal(row rowScanner) (tern.TerminalRecord, error) {
	var (
		rec     tern.TerminalRecord
		leaseID sql.NullString
		state   string
	)
	if err := row.Scan(&rec.TerminalID, &rec.ThreadID, &leaseID, &state, &rec.Version); err != nil {
		return tern.TerminalRecord{}, err
	}
	if leaseID.Valid {
		rec.LeaseID = leaseID.String
	}
	rec.StateJSON = json.RawMessage(state)
	return rec, nil
}

// marshalToolCalls serializes tool calls to a nullable column value.
func marshalToolCalls(calls []tern.ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// nullableStr maps "" to NULL.
func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableRaw maps empty JSON to NULL.
func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// repeatPlaceholder returns n copies of ", ?".
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

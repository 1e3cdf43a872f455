package tern

import (
	"sort"
	"strings"
	"sync"
)

// QueueKind identifies one of the five per-thread message queues.
type QueueKind string

const (
	QueueInterrupt QueueKind = "interrupt"
	QueueSteer     QueueKind = "steer"
	QueueFollowup  QueueKind = "followup"
	QueueCollect   QueueKind = "collect"
	QueueBacklog   QueueKind = "backlog"
)

// queueKinds lists all queues in drain-priority order.
var queueKinds = []QueueKind{QueueInterrupt, QueueSteer, QueueFollowup, QueueCollect, QueueBacklog}

// ValidQueueKind reports whether k names a known queue.
func ValidQueueKind(k QueueKind) bool {
	for _, known := range queueKinds {
		if k == known {
			return true
		}
	}
	return false
}

// QueueMode selects where a plain message lands while a run is active.
type QueueMode string

const (
	ModeSteer        QueueMode = "steer"
	ModeFollowup     QueueMode = "followup"
	ModeCollect      QueueMode = "collect"
	ModeSteerBacklog QueueMode = "steer_backlog"
	ModeInterrupt    QueueMode = "interrupt"
)

// DefaultQueueMode is the routing mode for threads that never set one.
const DefaultQueueMode = ModeSteer

// ValidQueueMode reports whether m is a recognized routing mode.
func ValidQueueMode(m QueueMode) bool {
	switch m {
	case ModeSteer, ModeFollowup, ModeCollect, ModeSteerBacklog, ModeInterrupt:
		return true
	}
	return false
}

// DrainPoint identifies a scheduler position at which queued messages may
// be injected into the conversation.
type DrainPoint int

const (
	// DrainSafePoint sits between model calls within an active run.
	// Only steer messages are released here.
	DrainSafePoint DrainPoint = iota
	// DrainTurnEnd is reached when a run enters draining. Steer, followup,
	// and the batched collect queue are all released.
	DrainTurnEnd
)

// SteerMarker prefixes steering messages injected mid-run so the model can
// tell them apart from the original task.
const SteerMarker = "[The user sent this message while you were working. Address it, then continue the current task if still relevant.]"

// QueueEntry is one queued message awaiting injection.
type QueueEntry struct {
	Seq        int64     `json:"seq"`
	Content    string    `json:"content"`
	Target     QueueKind `json:"target"`
	EnqueuedAt int64     `json:"enqueued_at"`
}

// QueueSnapshot is a point-in-time view of a thread's queues, used by the
// HTTP API and the queue-observer middleware.
type QueueSnapshot struct {
	Mode    QueueMode                 `json:"mode"`
	Depths  map[QueueKind]int         `json:"depths"`
	Entries map[QueueKind][]QueueEntry `json:"entries,omitempty"`
}

type threadQueues struct {
	mu     sync.Mutex
	mode   QueueMode
	seq    int64
	queues map[QueueKind][]QueueEntry
}

func (t *threadQueues) push(kind QueueKind, content string, seq int64) {
	t.queues[kind] = append(t.queues[kind], QueueEntry{
		Seq:        seq,
		Content:    content,
		Target:     kind,
		EnqueuedAt: NowUnix(),
	})
}

// take removes and returns all entries of one queue, FIFO.
func (t *threadQueues) take(kind QueueKind) []QueueEntry {
	entries := t.queues[kind]
	if len(entries) == 0 {
		return nil
	}
	t.queues[kind] = nil
	return entries
}

// QueueManager routes incoming messages into five per-thread queues and
// releases them to the scheduler at safe points. Enqueue never blocks;
// ordering within a queue is FIFO by enqueue time.
type QueueManager struct {
	mu      sync.Mutex
	threads map[string]*threadQueues
}

// NewQueueManager creates an empty manager. Thread state is created lazily
// on first use.
func NewQueueManager() *QueueManager {
	return &QueueManager{threads: make(map[string]*threadQueues)}
}

func (q *QueueManager) thread(threadID string) *threadQueues {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.threads[threadID]
	if !ok {
		t = &threadQueues{
			mode:   DefaultQueueMode,
			queues: make(map[QueueKind][]QueueEntry),
		}
		q.threads[threadID] = t
	}
	return t
}

// Enqueue routes content by the thread's current mode and returns the
// message's per-thread sequence index. In steer_backlog mode the entry is
// duplicated into both queues under a single sequence index, leaving an
// audit copy in backlog after the steer drains.
func (q *QueueManager) Enqueue(threadID, content string) int64 {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	switch t.mode {
	case ModeFollowup:
		t.push(QueueFollowup, content, t.seq)
	case ModeCollect:
		t.push(QueueCollect, content, t.seq)
	case ModeInterrupt:
		t.push(QueueInterrupt, content, t.seq)
	case ModeSteerBacklog:
		t.push(QueueSteer, content, t.seq)
		t.push(QueueBacklog, content, t.seq)
	default:
		t.push(QueueSteer, content, t.seq)
	}
	return t.seq
}

// EnqueueTo places content on an explicit queue, bypassing the mode.
func (q *QueueManager) EnqueueTo(threadID string, kind QueueKind, content string) (int64, error) {
	if !ValidQueueKind(kind) {
		return 0, Errorf(KindInvalidInput, "unknown queue %q", kind)
	}
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.push(kind, content, t.seq)
	return t.seq, nil
}

// SetMode changes the thread's routing mode. Queued entries keep the
// target they were routed to at enqueue time.
func (q *QueueManager) SetMode(threadID string, mode QueueMode) error {
	if !ValidQueueMode(mode) {
		return Errorf(KindInvalidInput, "unknown queue mode %q", mode)
	}
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	return nil
}

// Mode returns the thread's current routing mode.
func (q *QueueManager) Mode(threadID string) QueueMode {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// DrainForInjection removes and returns the messages releasable at the
// given point, ready to append to the conversation. Steer entries drain at
// every point and carry the steer marker; followup and the concatenated
// collect batch drain only at turn end. Backlog and interrupt are never
// released here.
func (q *QueueManager) DrainForInjection(threadID string, at DrainPoint) []ChatMessage {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ChatMessage
	for _, e := range t.take(QueueSteer) {
		out = append(out, UserMessage(SteerMarker+"\n\n"+e.Content))
	}
	if at == DrainTurnEnd {
		for _, e := range t.take(QueueFollowup) {
			out = append(out, UserMessage(e.Content))
		}
		if batch := t.take(QueueCollect); len(batch) > 0 {
			out = append(out, UserMessage(joinEntries(batch)))
		}
	}
	return out
}

// TakeInterrupt pops the oldest interrupt entry, if any. The scheduler
// cancels the in-flight stream and restarts the run with it.
func (q *QueueManager) TakeInterrupt(threadID string) (QueueEntry, bool) {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.queues[QueueInterrupt]
	if len(entries) == 0 {
		return QueueEntry{}, false
	}
	t.queues[QueueInterrupt] = entries[1:]
	return entries[0], true
}

// HasInterrupt reports whether an interrupt is pending without consuming it.
func (q *QueueManager) HasInterrupt(threadID string) bool {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[QueueInterrupt]) > 0
}

// FlushCollect releases the collect batch on explicit request, as a single
// concatenated user message.
func (q *QueueManager) FlushCollect(threadID string) []ChatMessage {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.take(QueueCollect)
	if len(batch) == 0 {
		return nil
	}
	return []ChatMessage{UserMessage(joinEntries(batch))}
}

// FlushBacklog releases all deferred backlog entries on explicit request,
// one user message each.
func (q *QueueManager) FlushBacklog(threadID string) []ChatMessage {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ChatMessage
	for _, e := range t.take(QueueBacklog) {
		out = append(out, UserMessage(e.Content))
	}
	return out
}

// Pending reports the total number of queued entries across all queues.
func (q *QueueManager) Pending(threadID string) int {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entries := range t.queues {
		n += len(entries)
	}
	return n
}

// Snapshot returns the thread's mode, per-queue depths, and (when
// includeEntries is set) the queued entries themselves.
func (q *QueueManager) Snapshot(threadID string, includeEntries bool) QueueSnapshot {
	t := q.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := QueueSnapshot{Mode: t.mode, Depths: make(map[QueueKind]int, len(queueKinds))}
	for _, kind := range queueKinds {
		snap.Depths[kind] = len(t.queues[kind])
	}
	if includeEntries {
		snap.Entries = make(map[QueueKind][]QueueEntry)
		for _, kind := range queueKinds {
			if entries := t.queues[kind]; len(entries) > 0 {
				snap.Entries[kind] = append([]QueueEntry(nil), entries...)
			}
		}
	}
	return snap
}

// Clear discards all queue state for a thread. Used on thread deletion.
func (q *QueueManager) Clear(threadID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.threads, threadID)
}

// joinEntries concatenates a collect batch into one body, oldest first.
func joinEntries(entries []QueueEntry) string {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Content
	}
	return strings.Join(parts, "\n\n")
}

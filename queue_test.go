package tern

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestQueueDefaultModeRoutesToSteer(t *testing.T) {
	q := NewQueueManager()
	if got := q.Mode("t1"); got != ModeSteer {
		t.Fatalf("default mode = %q, want %q", got, ModeSteer)
	}
	q.Enqueue("t1", "change of plan")

	snap := q.Snapshot("t1", false)
	if snap.Depths[QueueSteer] != 1 {
		t.Fatalf("steer depth = %d, want 1", snap.Depths[QueueSteer])
	}

	msgs := q.DrainForInjection("t1", DrainSafePoint)
	if len(msgs) != 1 {
		t.Fatalf("drained %d messages, want 1", len(msgs))
	}
	if msgs[0].Role != "user" {
		t.Errorf("role = %q, want %q", msgs[0].Role, "user")
	}
	if !strings.HasPrefix(msgs[0].Content, SteerMarker) {
		t.Errorf("steer message missing marker prefix: %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "change of plan") {
		t.Errorf("steer message missing content: %q", msgs[0].Content)
	}
}

func TestQueueEnqueueReturnsMonotonicSeq(t *testing.T) {
	q := NewQueueManager()
	for want := int64(1); want <= 3; want++ {
		if got := q.Enqueue("t1", "m"); got != want {
			t.Errorf("seq = %d, want %d", got, want)
		}
	}
	// A different thread has its own counter.
	if got := q.Enqueue("t2", "m"); got != 1 {
		t.Errorf("seq on fresh thread = %d, want 1", got)
	}
}

func TestQueueModeRouting(t *testing.T) {
	tests := []struct {
		mode QueueMode
		want QueueKind
	}{
		{ModeSteer, QueueSteer},
		{ModeFollowup, QueueFollowup},
		{ModeCollect, QueueCollect},
		{ModeInterrupt, QueueInterrupt},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			q := NewQueueManager()
			if err := q.SetMode("t1", tt.mode); err != nil {
				t.Fatalf("SetMode: %v", err)
			}
			q.Enqueue("t1", "m")
			snap := q.Snapshot("t1", false)
			if snap.Depths[tt.want] != 1 {
				t.Errorf("depth of %q = %d, want 1", tt.want, snap.Depths[tt.want])
			}
		})
	}
}

func TestQueueSteerBacklogDuplicates(t *testing.T) {
	q := NewQueueManager()
	if err := q.SetMode("t1", ModeSteerBacklog); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	seq := q.Enqueue("t1", "audit me")

	snap := q.Snapshot("t1", true)
	if snap.Depths[QueueSteer] != 1 || snap.Depths[QueueBacklog] != 1 {
		t.Fatalf("depths steer=%d backlog=%d, want 1/1", snap.Depths[QueueSteer], snap.Depths[QueueBacklog])
	}
	if got := snap.Entries[QueueBacklog][0].Seq; got != seq {
		t.Errorf("backlog copy seq = %d, want %d", got, seq)
	}

	// Draining the steer copy leaves the backlog copy behind.
	if msgs := q.DrainForInjection("t1", DrainSafePoint); len(msgs) != 1 {
		t.Fatalf("drained %d, want 1", len(msgs))
	}
	if got := q.Snapshot("t1", false).Depths[QueueBacklog]; got != 1 {
		t.Errorf("backlog depth after steer drain = %d, want 1", got)
	}
}

func TestQueueConcurrentSteerEnqueueFIFO(t *testing.T) {
	q := NewQueueManager()
	const clients = 5

	var mu sync.Mutex
	seqByContent := make(map[string]int64, clients)

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("msg-%d", i)
			seq := q.Enqueue("t1", content)
			mu.Lock()
			seqByContent[content] = seq
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	msgs := q.DrainForInjection("t1", DrainSafePoint)
	if len(msgs) != clients {
		t.Fatalf("drained %d messages, want %d", len(msgs), clients)
	}
	// FIFO: drained order must follow the sequence indices handed out.
	last := int64(0)
	for i, m := range msgs {
		content := strings.TrimPrefix(m.Content, SteerMarker+"\n\n")
		seq, ok := seqByContent[content]
		if !ok {
			t.Fatalf("drained unknown content %q", content)
		}
		if seq <= last {
			t.Errorf("message %d out of order: seq %d after %d", i, seq, last)
		}
		last = seq
	}
}

func TestQueueDrainTurnEndReleasesFollowupAndCollect(t *testing.T) {
	q := NewQueueManager()
	mustEnqueueTo(t, q, "t1", QueueFollowup, "first")
	mustEnqueueTo(t, q, "t1", QueueFollowup, "second")
	mustEnqueueTo(t, q, "t1", QueueCollect, "a")
	mustEnqueueTo(t, q, "t1", QueueCollect, "b")
	mustEnqueueTo(t, q, "t1", QueueCollect, "c")

	if msgs := q.DrainForInjection("t1", DrainSafePoint); msgs != nil {
		t.Fatalf("safe point drained %d messages, want none", len(msgs))
	}

	msgs := q.DrainForInjection("t1", DrainTurnEnd)
	if len(msgs) != 3 {
		t.Fatalf("turn end drained %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("followups = %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if want := "a\n\nb\n\nc"; msgs[2].Content != want {
		t.Errorf("collect batch = %q, want %q", msgs[2].Content, want)
	}

	// Everything consumed.
	if got := q.Pending("t1"); got != 0 {
		t.Errorf("pending after drain = %d, want 0", got)
	}
}

func TestQueueCollectExplicitFlush(t *testing.T) {
	q := NewQueueManager()
	if msgs := q.FlushCollect("t1"); msgs != nil {
		t.Fatalf("flush of empty collect = %d messages, want none", len(msgs))
	}
	mustEnqueueTo(t, q, "t1", QueueCollect, "x")
	mustEnqueueTo(t, q, "t1", QueueCollect, "y")

	msgs := q.FlushCollect("t1")
	if len(msgs) != 1 {
		t.Fatalf("flushed %d messages, want 1", len(msgs))
	}
	if want := "x\n\ny"; msgs[0].Content != want {
		t.Errorf("batch = %q, want %q", msgs[0].Content, want)
	}
}

func TestQueueBacklogOnlyDrainsExplicitly(t *testing.T) {
	q := NewQueueManager()
	mustEnqueueTo(t, q, "t1", QueueBacklog, "later")

	if msgs := q.DrainForInjection("t1", DrainTurnEnd); msgs != nil {
		t.Fatalf("turn end released backlog: %d messages", len(msgs))
	}
	msgs := q.FlushBacklog("t1")
	if len(msgs) != 1 || msgs[0].Content != "later" {
		t.Fatalf("FlushBacklog = %+v, want single %q message", msgs, "later")
	}
	if msgs := q.FlushBacklog("t1"); msgs != nil {
		t.Errorf("second flush returned %d messages, want none", len(msgs))
	}
}

func TestQueueInterruptTake(t *testing.T) {
	q := NewQueueManager()
	if q.HasInterrupt("t1") {
		t.Fatal("HasInterrupt on empty thread = true")
	}
	if err := q.SetMode("t1", ModeInterrupt); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	q.Enqueue("t1", "stop now")
	q.Enqueue("t1", "and then this")

	if !q.HasInterrupt("t1") {
		t.Fatal("HasInterrupt = false, want true")
	}
	first, ok := q.TakeInterrupt("t1")
	if !ok || first.Content != "stop now" {
		t.Fatalf("TakeInterrupt = %+v ok=%v, want first entry", first, ok)
	}
	second, ok := q.TakeInterrupt("t1")
	if !ok || second.Content != "and then this" {
		t.Fatalf("TakeInterrupt = %+v ok=%v, want second entry", second, ok)
	}
	if _, ok := q.TakeInterrupt("t1"); ok {
		t.Error("TakeInterrupt on empty queue = ok")
	}
}

func TestQueueInvalidInputs(t *testing.T) {
	q := NewQueueManager()
	if err := q.SetMode("t1", "sideways"); KindOf(err) != KindInvalidInput {
		t.Errorf("SetMode kind = %v, want invalid input", KindOf(err))
	}
	if _, err := q.EnqueueTo("t1", "sideways", "m"); KindOf(err) != KindInvalidInput {
		t.Errorf("EnqueueTo kind = %v, want invalid input", KindOf(err))
	}
}

func TestQueueClearDropsThreadState(t *testing.T) {
	q := NewQueueManager()
	if err := q.SetMode("t1", ModeCollect); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	q.Enqueue("t1", "m")
	q.Clear("t1")

	if got := q.Mode("t1"); got != DefaultQueueMode {
		t.Errorf("mode after clear = %q, want default", got)
	}
	if got := q.Pending("t1"); got != 0 {
		t.Errorf("pending after clear = %d, want 0", got)
	}
}

func mustEnqueueTo(t *testing.T, q *QueueManager, threadID string, kind QueueKind, content string) {
	t.Helper()
	if _, err := q.EnqueueTo(threadID, kind, content); err != nil {
		t.Fatalf("EnqueueTo(%s): %v", kind, err)
	}
}

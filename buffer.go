package tern

import (
	"context"
	"sync"
)

// subscriberChanSize is the buffer size for each subscriber's event channel.
const subscriberChanSize = 64

// EventBuffer accumulates a run's events and fans them out to subscribers.
// Late subscribers replay from any sequence number; slow subscribers never
// cause drops or reordering — they lag behind the shared buffer instead.
// Tool output is truncated before emission, which bounds per-event size.
type EventBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []RunEvent
	closed bool
}

// NewEventBuffer creates an empty buffer.
func NewEventBuffer() *EventBuffer {
	b := &EventBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append adds an event and wakes all subscribers. No-op after Close.
func (b *EventBuffer) Append(ev RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, ev)
	b.cond.Broadcast()
}

// AppendClose appends ev and closes the buffer in one critical section,
// guaranteeing no later Append can land after ev. Used for terminal
// events. No-op if already closed.
func (b *EventBuffer) AppendClose(ev RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, ev)
	b.closed = true
	b.cond.Broadcast()
}

// Close marks the stream complete. Subscribers drain remaining events and
// then their channels close. Safe to call more than once.
func (b *EventBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}

// Closed reports whether the stream has completed.
func (b *EventBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Events returns a snapshot of buffered events with Seq > afterSeq,
// in order.
func (b *EventBuffer) Events(afterSeq int64) []RunEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []RunEvent
	for _, ev := range b.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Subscribe returns a channel that first replays buffered events with
// Seq > afterSeq, then delivers live events in order. The channel closes
// when the buffer closes (after the replay drains) or when ctx is done.
func (b *EventBuffer) Subscribe(ctx context.Context, afterSeq int64) <-chan RunEvent {
	ch := make(chan RunEvent, subscriberChanSize)

	// Wake the pump when the subscriber's context ends, so it can exit
	// a cond.Wait it may be parked in.
	stop := context.AfterFunc(ctx, func() { b.cond.Broadcast() })

	go func() {
		defer close(ch)
		defer stop()

		idx := 0
		for {
			b.mu.Lock()
			for idx >= len(b.events) && !b.closed && ctx.Err() == nil {
				b.cond.Wait()
			}
			if ctx.Err() != nil {
				b.mu.Unlock()
				return
			}
			if idx >= len(b.events) && b.closed {
				b.mu.Unlock()
				return
			}
			batch := b.events[idx:]
			idx = len(b.events)
			b.mu.Unlock()

			for _, ev := range batch {
				if ev.Seq <= afterSeq {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

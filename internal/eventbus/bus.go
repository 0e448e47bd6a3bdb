// Package eventbus carries job and task lifecycle signals between crond's
// components without coupling them: the scheduler and task engine publish,
// anything interested (log taps, future notification sinks) subscribes.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle signal. Type names the transition ("job.started",
// "job.finished", "job.failed", "job.timeout", "task.*"); Data carries the
// typed payload, e.g. cron.JobEvent.
//
// Delivery is best effort: Publish never blocks, so a subscriber that stops
// draining its channel loses events rather than stalling a scheduling pass.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus. It owns no goroutines; publishing
// happens on the caller's stack.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under the read lock; the sends happen outside it so a stuck
	// subscriber cannot hold up Subscribe/unsubscribe.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		deliver(ch, e)
	}
}

// deliver drops the event when the subscriber's buffer is full. A concurrent
// unsubscribe may close the channel mid-send; the recover absorbs that race.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Safe because deliver recovers from sends on a closed channel.
			close(ch)
		})
	}
	return ch, unsub
}

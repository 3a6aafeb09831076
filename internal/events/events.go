// Package events is the in-process fan-out bus between the download engine
// and its consumers (websocket clients, CLI, tests). Events are the only way
// engine state leaves the engine.
package events

import (
	"sync"
	"time"
)

// Type identifies what happened. Values double as the wire "type" field.
type Type string

const (
	JobAdded     Type = "JOB_ADDED"
	JobStarted   Type = "JOB_STARTED"
	ItemStart    Type = "ITEM_START"
	ItemProgress Type = "ITEM_PROGRESS"
	ItemDone     Type = "ITEM_DONE"
	ItemSkip     Type = "ITEM_SKIP"
	ItemFail     Type = "ITEM_FAIL"
	JobProgress  Type = "JOB_PROGRESS"
	JobDone      Type = "JOB_DONE"
	JobError     Type = "JOB_ERROR"
	JobCancelled Type = "JOB_CANCELLED"
	Log          Type = "LOG"
)

// Event is an immutable notification. Payload keys follow the engine contract
// (url, engine, item_key, bytes_done, bytes_total, counters, ...).
type Event struct {
	JobID     string         `json:"job_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// droppable reports whether an event may be discarded under backpressure.
// Terminal and lifecycle events are never dropped.
func droppable(t Type) bool {
	return t == ItemProgress || t == Log
}

// subscriber owns a bounded queue drained by its own pump goroutine, so a
// slow consumer can never block the engine.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	out    chan Event
}

func newSubscriber(buf int) *subscriber {
	s := &subscriber{out: make(chan Event, buf)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push enqueues without blocking. When the queue is over capacity the oldest
// droppable event is evicted first; essential events always fit.
func (s *subscriber) push(ev Event, cap int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= cap {
		if i := s.oldestDroppable(); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
		} else if droppable(ev.Type) {
			// Queue is all essential events; the new progress tick loses.
			return
		}
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) oldestDroppable() int {
	for i, ev := range s.queue {
		if droppable(ev.Type) {
			return i
		}
	}
	return -1
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- ev
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Subscription is a live event feed. Receive from C until it is closed.
type Subscription struct {
	C  <-chan Event
	id int
	b  *Bus
}

// Close detaches the subscription. C is closed once buffered events drain.
func (s *Subscription) Close() { s.b.unsubscribe(s.id) }

// Bus fans events out to subscribers. Publishing never blocks.
type Bus struct {
	mu       sync.Mutex
	subs     map[int]*subscriber
	next     int
	queueCap int
}

const defaultQueueCap = 512

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber), queueCap: defaultQueueCap}
}

// Subscribe registers a new consumer. Per-job ordering of delivered events
// matches publish order; cross-job ordering is unspecified.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newSubscriber(64)
	id := b.next
	b.next++
	b.subs[id] = sub
	go sub.pump()
	return &Subscription{C: sub.out, id: id, b: b}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers ev to all current subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	cap := b.queueCap
	b.mu.Unlock()
	for _, s := range subs {
		s.push(ev, cap)
	}
}

// Emit is a convenience for Publish with a fresh timestamp.
func (b *Bus) Emit(jobID string, t Type, payload map[string]any) {
	b.Publish(Event{JobID: jobID, Timestamp: time.Now(), Type: t, Payload: payload})
}

// Close detaches all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Package limiter enforces the engine's politeness and throughput limits:
// per-host concurrency caps with minimum inter-request spacing, and a global
// bandwidth token bucket.
package limiter

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxConcurrent = 2
	DefaultMinInterval   = time.Second
)

type hostState struct {
	slots chan struct{}

	mu       sync.Mutex
	nextAt   time.Time // earliest time the next acquisition may return
	interval time.Duration
	cooled   bool
}

// DomainLimiter hands out per-host request slots. While a slot is held the
// caller owns one of max_concurrent units for that host; successive
// acquisitions, and any acquisition after a release, are kept at least the
// configured interval apart.
type DomainLimiter struct {
	mu              sync.Mutex
	hosts           map[string]*hostState
	defaultSlots    int
	defaultInterval time.Duration
}

func NewDomainLimiter() *DomainLimiter {
	return &DomainLimiter{
		hosts:           make(map[string]*hostState),
		defaultSlots:    DefaultMaxConcurrent,
		defaultInterval: DefaultMinInterval,
	}
}

// SetHostLimit overrides the slot count and spacing for one host. Must be
// called before traffic flows to that host; later calls only affect spacing.
func (l *DomainLimiter) SetHostLimit(host string, maxConcurrent int, minInterval time.Duration) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	l.mu.Lock()
	st, ok := l.hosts[host]
	if !ok {
		st = &hostState{
			slots:    make(chan struct{}, maxConcurrent),
			interval: minInterval,
		}
		l.hosts[host] = st
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	st.mu.Lock()
	st.interval = minInterval
	st.mu.Unlock()
}

func (l *DomainLimiter) state(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.hosts[host]
	if !ok {
		st = &hostState{
			slots:    make(chan struct{}, l.defaultSlots),
			interval: l.defaultInterval,
		}
		l.hosts[host] = st
	}
	return st
}

// Acquire blocks until a slot for host is available and the spacing gate has
// passed, or ctx is cancelled. The returned release function is safe to call
// exactly once on every exit path.
func (l *DomainLimiter) Acquire(ctx context.Context, host string) (func(), error) {
	st := l.state(host)

	select {
	case st.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Spacing gate: wait out the interval left behind by the previous
	// release. Passing the gate claims it, so waiters that wake together
	// still leave single file. Cancellation must wake us promptly.
	for {
		st.mu.Lock()
		wait := time.Until(st.nextAt)
		if wait <= 0 {
			st.nextAt = time.Now().Add(st.interval)
			st.mu.Unlock()
			break
		}
		st.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-st.slots
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			st.mu.Lock()
			st.nextAt = time.Now().Add(st.interval)
			st.mu.Unlock()
			<-st.slots
		})
	}
	return release, nil
}

// Cooldown doubles the spacing for a host, once. Used when a host answers
// with repeated 429s; Reset restores the original spacing.
func (l *DomainLimiter) Cooldown(host string) {
	st := l.state(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.cooled {
		st.interval *= 2
		st.cooled = true
	}
}

// Reset undoes a Cooldown.
func (l *DomainLimiter) Reset(host string) {
	st := l.state(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cooled {
		st.interval /= 2
		st.cooled = false
	}
}

// Interval reports the current spacing for a host.
func (l *DomainLimiter) Interval(host string) time.Duration {
	st := l.state(host)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.interval
}

// Active reports how many slots are currently held for a host.
func (l *DomainLimiter) Active(host string) int {
	st := l.state(host)
	return len(st.slots)
}

package downloader

import (
	"context"
	"time"
)

// Token is the cooperative cancellation handle handed to adapters. It wraps
// a context so HTTP requests and limiter waits stay interruptible.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken derives a cancellation token from parent.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel signals cancellation. Idempotent.
func (t *Token) Cancel() { t.cancel() }

// IsCancelled reports whether cancellation was signalled.
func (t *Token) IsCancelled() bool {
	return t.ctx.Err() != nil
}

// Done exposes the underlying done channel for select loops.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Context returns the token as a context for request scoping.
func (t *Token) Context() context.Context { return t.ctx }

// Wait sleeps for d but returns early (true) on cancellation. Use instead
// of time.Sleep for retry backoff so cancellation takes effect promptly.
func (t *Token) Wait(d time.Duration) bool {
	if d <= 0 {
		return t.IsCancelled()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

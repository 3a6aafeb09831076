// Package retry decides whether a failed transfer attempt should be retried
// and after how long. The policy is a pure function of (attempt, cause); all
// sleeping happens at the call site so cancellation stays interruptible.
package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/primoscope/mediadl/internal/options"
)

// Cause describes why an attempt failed. Exactly one of StatusCode or Err is
// normally set; RetryAfter carries a parsed Retry-After hint when present.
type Cause struct {
	StatusCode int
	Err        error
	RetryAfter time.Duration
}

// Decision is the policy output.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Policy holds the retry configuration for one job.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// rand in [0,1); replaceable in tests for deterministic jitter.
	Rand func() float64
}

// Default returns the stock policy: 5 attempts, 1s base, 30s cap.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// FromOptions builds a policy honoring per-job overrides.
func FromOptions(o options.Options) Policy {
	p := Default()
	if o.MaxRetries > 0 {
		p.MaxAttempts = o.MaxRetries
	}
	if o.RetryBaseDelayS > 0 {
		p.BaseDelay = time.Duration(o.RetryBaseDelayS * float64(time.Second))
	}
	if o.RetryMaxDelayS > 0 {
		p.MaxDelay = time.Duration(o.RetryMaxDelayS * float64(time.Second))
	}
	return p
}

// retryableStatuses per the engine contract.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:  true, // 408
	http.StatusTooEarly:        true, // 425
	http.StatusTooManyRequests: true, // 429
	500:                        true,
	http.StatusBadGateway:      true, // 502
	503:                        true,
	http.StatusGatewayTimeout:  true, // 504
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	return retryableStatuses[code]
}

// RetryableError reports whether an error is a transient network failure.
// Cancellation is never retryable.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// Decide returns the decision for the attempt that just failed (1-based).
func (p Policy) Decide(attempt int, c Cause) Decision {
	if attempt >= p.MaxAttempts {
		return GiveUp
	}

	retryable := false
	switch {
	case c.StatusCode != 0:
		retryable = RetryableStatus(c.StatusCode)
	case c.Err != nil:
		retryable = RetryableError(c.Err)
	}
	if !retryable {
		return GiveUp
	}

	delay := p.backoff(attempt)
	// A server-provided Retry-After wins when sane, capped at MaxDelay.
	if c.RetryAfter > 0 {
		if c.RetryAfter > p.MaxDelay {
			delay = p.MaxDelay
		} else if c.RetryAfter > delay {
			delay = c.RetryAfter
		}
	}
	return Decision{Retry: true, Delay: delay}
}

// backoff computes min(base * 2^(attempt-1), max) with ±20% jitter.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	jitter := 1 + (rnd()*0.4 - 0.2)
	out := time.Duration(float64(d) * jitter)
	if out < p.BaseDelay {
		out = p.BaseDelay
	}
	return out
}

// ParseRetryAfter extracts a Retry-After hint from response headers. The
// header is either delta-seconds or an HTTP-date.
func ParseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return time.Second
	}
	return 0
}

package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primoscope/mediadl/internal/options"
)

func TestRetryableStatuses(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 410, 501} {
		assert.False(t, RetryableStatus(code), "status %d", code)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryableErrors(t *testing.T) {
	assert.True(t, RetryableError(timeoutErr{}))
	assert.True(t, RetryableError(&net.OpError{Err: syscall.ECONNRESET}))
	assert.True(t, RetryableError(io.ErrUnexpectedEOF))
	assert.True(t, RetryableError(context.DeadlineExceeded))
	assert.True(t, RetryableError(&net.DNSError{IsTemporary: true}))

	assert.False(t, RetryableError(context.Canceled))
	assert.False(t, RetryableError(errors.New("parse error")))
	assert.False(t, RetryableError(nil))
}

func TestDecideGivesUpAtBudget(t *testing.T) {
	p := Default()
	d := p.Decide(5, Cause{StatusCode: 503})
	assert.False(t, d.Retry)

	d = p.Decide(4, Cause{StatusCode: 503})
	assert.True(t, d.Retry)
}

func TestDecideNonRetryable(t *testing.T) {
	p := Default()
	assert.False(t, p.Decide(1, Cause{StatusCode: 404}).Retry)
	assert.False(t, p.Decide(1, Cause{StatusCode: 403}).Retry)
	assert.False(t, p.Decide(1, Cause{Err: context.Canceled}).Retry)
}

// Backoff bound: base <= delay <= max*1.2 for every attempt and jitter draw.
func TestBackoffBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		p := Default()
		p.Rand = func() float64 { return r }
		for attempt := 1; attempt < p.MaxAttempts; attempt++ {
			d := p.Decide(attempt, Cause{StatusCode: 503})
			require.True(t, d.Retry)
			assert.GreaterOrEqual(t, d.Delay, p.BaseDelay, "attempt %d rand %g", attempt, r)
			assert.LessOrEqual(t, d.Delay, time.Duration(float64(p.MaxDelay)*1.2), "attempt %d rand %g", attempt, r)
		}
	}
}

func TestBackoffDoubles(t *testing.T) {
	p := Default()
	p.Rand = func() float64 { return 0.5 } // jitter factor 1.0
	d1 := p.Decide(1, Cause{StatusCode: 503}).Delay
	d2 := p.Decide(2, Cause{StatusCode: 503}).Delay
	d3 := p.Decide(3, Cause{StatusCode: 503}).Delay
	assert.Equal(t, time.Second, d1)
	assert.Equal(t, 2*time.Second, d2)
	assert.Equal(t, 4*time.Second, d3)
}

func TestRetryAfterHonoredAndCapped(t *testing.T) {
	p := Default()
	p.Rand = func() float64 { return 0.5 }

	d := p.Decide(1, Cause{StatusCode: 429, RetryAfter: 10 * time.Second})
	require.True(t, d.Retry)
	assert.Equal(t, 10*time.Second, d.Delay)

	d = p.Decide(1, Cause{StatusCode: 429, RetryAfter: 5 * time.Minute})
	require.True(t, d.Retry)
	assert.Equal(t, p.MaxDelay, d.Delay)
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))

	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	got := ParseRetryAfter(h)
	assert.InDelta(t, 30, got.Seconds(), 2)

	h.Set("Retry-After", "garbage")
	assert.Equal(t, time.Duration(0), ParseRetryAfter(h))
}

func TestFromOptions(t *testing.T) {
	o := options.Defaults()
	o.MaxRetries = 2
	o.RetryBaseDelayS = 0.5
	o.RetryMaxDelayS = 4
	p := FromOptions(o)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 4*time.Second, p.MaxDelay)
}

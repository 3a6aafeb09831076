package limiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Bandwidth is the global download token bucket. All transfer loops call
// Wait before consuming a chunk; the fast path is a single atomic load when
// no limit is configured.
type Bandwidth struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

func NewBandwidth() *Bandwidth {
	return &Bandwidth{
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// SetLimitKBps updates the aggregate throughput cap. 0 disables limiting.
func (b *Bandwidth) SetLimitKBps(kbps int) {
	if kbps <= 0 {
		b.enabled.Store(false)
		b.limiter.SetLimit(rate.Inf)
		return
	}
	bytesPerSec := kbps * 1024
	b.enabled.Store(true)
	b.limiter.SetLimit(rate.Limit(bytesPerSec))
	// Allow up to one second of burst.
	b.limiter.SetBurst(bytesPerSec)
}

// Wait blocks until n bytes worth of tokens are available or ctx is done.
func (b *Bandwidth) Wait(ctx context.Context, n int) error {
	if !b.enabled.Load() {
		return nil
	}
	if burst := b.limiter.Burst(); n > burst && burst > 0 {
		n = burst
	}
	return b.limiter.WaitN(ctx, n)
}

// Limited reports whether a cap is active.
func (b *Bandwidth) Limited() bool {
	return b.enabled.Load()
}

package downloader

import (
	"sync"
	"time"
)

// throttleInterval caps inner-loop progress updates at ~10 Hz per item.
const throttleInterval = 100 * time.Millisecond

// speedWindow is the number of samples in the moving speed average.
const speedWindow = 10

// Throttler wraps a Reporter for one item's transfer loop. Update collapses
// bursts to one ITEM_PROGRESS per interval; the first update and the final
// 100% update always flush. Finalize forces a last flush before a terminal
// call so consumers see the closing byte count.
type Throttler struct {
	report  Reporter
	itemKey string

	mu       sync.Mutex
	lastSent time.Time
	sentAny  bool

	samples   []speedSample
	now       func() time.Time // test seam
	lastDone  int64
	lastTotal int64
}

type speedSample struct {
	at    time.Time
	bytes int64
}

func NewThrottler(report Reporter, itemKey string) *Throttler {
	return &Throttler{report: report, itemKey: itemKey, now: time.Now}
}

// Update records transfer progress. bytesTotal < 0 means unknown.
func (t *Throttler) Update(bytesDone, bytesTotal int64) {
	t.mu.Lock()
	now := t.now()
	t.pushSample(now, bytesDone)
	t.lastDone, t.lastTotal = bytesDone, bytesTotal

	final := bytesTotal > 0 && bytesDone >= bytesTotal
	if t.sentAny && !final && now.Sub(t.lastSent) < throttleInterval {
		t.mu.Unlock()
		return
	}
	t.lastSent = now
	t.sentAny = true
	speed, eta := t.speedLocked(bytesDone, bytesTotal)
	t.mu.Unlock()

	t.report.ItemProgress(t.itemKey, bytesDone, bytesTotal, speed, eta)
}

// Finalize flushes the last known progress unconditionally. Call once,
// right before the terminal ItemDone/ItemFail.
func (t *Throttler) Finalize() {
	t.mu.Lock()
	bytesDone, bytesTotal := t.lastDone, t.lastTotal
	speed, eta := t.speedLocked(bytesDone, bytesTotal)
	t.lastSent = t.now()
	t.sentAny = true
	t.mu.Unlock()

	t.report.ItemProgress(t.itemKey, bytesDone, bytesTotal, speed, eta)
}

func (t *Throttler) pushSample(at time.Time, bytes int64) {
	t.samples = append(t.samples, speedSample{at: at, bytes: bytes})
	if len(t.samples) > speedWindow {
		t.samples = t.samples[len(t.samples)-speedWindow:]
	}
}

// speedLocked returns bytes/sec averaged over the sample window, plus an ETA
// when the total is known.
func (t *Throttler) speedLocked(bytesDone, bytesTotal int64) (float64, time.Duration) {
	if len(t.samples) < 2 {
		return 0, 0
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	speed := float64(last.bytes-first.bytes) / elapsed
	var eta time.Duration
	if speed > 0 && bytesTotal > 0 && bytesTotal > bytesDone {
		eta = time.Duration(float64(bytesTotal-bytesDone) / speed * float64(time.Second))
	}
	return speed, eta
}

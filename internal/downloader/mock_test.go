package downloader

import (
	"sync"
	"time"
)

// recordingReporter captures reporter calls for assertions.
type recordingReporter struct {
	mu        sync.Mutex
	total     int
	starts    []string
	progress  []progressCall
	done      map[string]string // key -> path
	doneBytes map[string]int64
	skips     map[string]string // key -> reason
	fails     map[string]string // key -> error text
	completed map[string]bool   // pre-seeded resume state
}

type progressCall struct {
	key   string
	done  int64
	total int64
	speed float64
	eta   time.Duration
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{
		done:      make(map[string]string),
		doneBytes: make(map[string]int64),
		skips:     make(map[string]string),
		fails:     make(map[string]string),
		completed: make(map[string]bool),
	}
}

func (r *recordingReporter) SetTotalItems(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = n
}

func (r *recordingReporter) ItemStart(itemKey, url string, bytesTotal int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, itemKey)
}

func (r *recordingReporter) ItemProgress(itemKey string, bytesDone, bytesTotal int64, speed float64, eta time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progressCall{itemKey, bytesDone, bytesTotal, speed, eta})
}

func (r *recordingReporter) ItemDone(itemKey, filePath string, bytesTotal int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[itemKey] = filePath
	r.doneBytes[itemKey] = bytesTotal
}

func (r *recordingReporter) ItemSkip(itemKey, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skips[itemKey] = reason
}

func (r *recordingReporter) ItemFail(itemKey string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails[itemKey] = err.Error()
}

func (r *recordingReporter) Completed(itemKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed[itemKey]
}

func (r *recordingReporter) progressCount(itemKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.progress {
		if p.key == itemKey {
			n++
		}
	}
	return n
}

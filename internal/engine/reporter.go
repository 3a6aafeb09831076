package engine

import (
	"sync"
	"time"

	"github.com/primoscope/mediadl/internal/events"
	"github.com/primoscope/mediadl/internal/storage"
)

// jobReporter implements downloader.Reporter for one running job. Every
// terminal item call persists the item row, the job's counter snapshot and
// the matching events in one transaction, then publishes on the bus.
type jobReporter struct {
	m   *Manager
	job *storage.JobRecord

	mu        sync.Mutex
	completed map[string]bool // item keys finished in previous runs
}

func (m *Manager) newJobReporter(job *storage.JobRecord) (*jobReporter, error) {
	completed, err := m.store.CompletedItemKeys(job.ID)
	if err != nil {
		return nil, err
	}
	return &jobReporter{m: m, job: job, completed: completed}, nil
}

// Completed lets adapters skip items finished before a crash or pause
// without recounting them.
func (r *jobReporter) Completed(itemKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed[itemKey]
}

// SetTotalItems raises the job's total; it never shrinks, so resumed runs
// keep counts from earlier enumerations.
func (r *jobReporter) SetTotalItems(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= r.job.TotalItems {
		return
	}
	r.job.TotalItems = n
	if err := r.m.store.UpdateJob(r.job); err != nil {
		r.m.logger.Error("persist item total", "job", r.job.ID, "error", err)
	}
}

func (r *jobReporter) ItemStart(itemKey, url string, bytesTotal int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item := &storage.ItemRecord{
		JobID:      r.job.ID,
		ItemKey:    itemKey,
		Status:     storage.ItemDownloading,
		BytesTotal: bytesTotal,
	}
	payload := map[string]any{"item_key": itemKey, "url": url, "bytes_total": bytesTotal}
	if err := r.m.store.UpsertItem(item, nil, recordEvent(r.job.ID, events.ItemStart, payload)); err != nil {
		r.m.logger.Error("persist item start", "job", r.job.ID, "item", itemKey, "error", err)
	}
	r.m.emit(r.job.ID, events.ItemStart, payload)
}

// ItemProgress updates the item row (no event row; the stream would bloat)
// and publishes the throttled bus event.
func (r *jobReporter) ItemProgress(itemKey string, bytesDone, bytesTotal int64, speed float64, eta time.Duration) {
	item := &storage.ItemRecord{
		JobID:      r.job.ID,
		ItemKey:    itemKey,
		Status:     storage.ItemDownloading,
		BytesTotal: bytesTotal,
		BytesDone:  bytesDone,
	}
	if err := r.m.store.UpsertItem(item, nil); err != nil {
		r.m.logger.Error("persist item progress", "job", r.job.ID, "item", itemKey, "error", err)
	}
	r.m.emit(r.job.ID, events.ItemProgress, map[string]any{
		"item_key":    itemKey,
		"bytes_done":  bytesDone,
		"bytes_total": bytesTotal,
		"speed":       speed,
		"eta_ms":      eta.Milliseconds(),
	})
}

func (r *jobReporter) ItemDone(itemKey, filePath string, bytesTotal int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.job.CompletedItems++
	r.completed[itemKey] = true
	item := &storage.ItemRecord{
		JobID:      r.job.ID,
		ItemKey:    itemKey,
		Status:     storage.ItemCompleted,
		FilePath:   filePath,
		BytesTotal: bytesTotal,
		BytesDone:  bytesTotal,
	}
	payload := map[string]any{"item_key": itemKey, "file_path": filePath, "bytes_total": bytesTotal}
	r.persistTerminal(item, events.ItemDone, payload)
}

func (r *jobReporter) ItemSkip(itemKey, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.job.SkippedItems++
	item := &storage.ItemRecord{
		JobID:   r.job.ID,
		ItemKey: itemKey,
		Status:  storage.ItemSkipped,
	}
	payload := map[string]any{"item_key": itemKey, "reason": reason}
	r.persistTerminal(item, events.ItemSkip, payload)
}

func (r *jobReporter) ItemFail(itemKey string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.job.FailedItems++
	item := &storage.ItemRecord{
		JobID:   r.job.ID,
		ItemKey: itemKey,
		Status:  storage.ItemFailed,
	}
	payload := map[string]any{"item_key": itemKey, "error": err.Error()}
	r.persistTerminal(item, events.ItemFail, payload)
}

// persistTerminal writes the item terminal, the counter snapshot and the
// item event plus JOB_PROGRESS atomically, then publishes both.
func (r *jobReporter) persistTerminal(item *storage.ItemRecord, t events.Type, payload map[string]any) {
	progress := counterPayload(r.job)
	if err := r.m.store.UpsertItem(item, r.job,
		recordEvent(r.job.ID, t, payload),
		recordEvent(r.job.ID, events.JobProgress, progress),
	); err != nil {
		r.m.logger.Error("persist item terminal", "job", r.job.ID, "item", item.ItemKey, "error", err)
	}
	r.m.emit(r.job.ID, t, payload)
	r.m.emit(r.job.ID, events.JobProgress, progress)
}

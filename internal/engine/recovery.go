package engine

import (
	"fmt"

	"github.com/primoscope/mediadl/internal/events"
	"github.com/primoscope/mediadl/internal/storage"
)

// recoverOnStartup repairs state left by a crash: jobs stuck RUNNING go
// back to PENDING with their counters intact, their in-flight items become
// CANCELLED, and everything PENDING is requeued in stored order.
func (m *Manager) recoverOnStartup() error {
	running, err := m.store.JobsByStatus(storage.JobRunning)
	if err != nil {
		return fmt.Errorf("load running jobs: %w", err)
	}
	for i := range running {
		job := &running[i]
		if err := m.store.ResolveDownloadingItems(job.ID, storage.ItemCancelled); err != nil {
			m.logger.Error("resolve crashed items", "job", job.ID, "error", err)
		}

		job.Status = storage.JobPending
		job.StartedAt = nil
		job.FinishedAt = nil
		payload := map[string]any{"error": "crashed during run"}
		if err := m.store.UpdateJob(job, recordEvent(job.ID, events.JobError, payload)); err != nil {
			m.logger.Error("persist crash recovery", "job", job.ID, "error", err)
			continue
		}
		m.emit(job.ID, events.JobError, payload)
		m.logger.Warn("recovered interrupted job", "job", job.ID,
			"completed", job.CompletedItems, "total", job.TotalItems)
	}

	pending, err := m.store.ListJobs(storage.JobPending)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	for i := range pending {
		m.queue.Push(&pending[i])
	}
	if n := len(running) + len(pending); n > 0 {
		m.logger.Info("startup recovery complete", "recovered", len(running), "requeued", m.queue.Len())
	}
	return nil
}

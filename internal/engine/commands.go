package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/primoscope/mediadl/internal/events"
	"github.com/primoscope/mediadl/internal/options"
	"github.com/primoscope/mediadl/internal/storage"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobRunning    = errors.New("job is running")
	ErrJobTerminal   = errors.New("job already finished")
	ErrJobNotRunning = errors.New("job is not running")
)

// Directions accepted by Reorder.
const (
	MoveUp    = "up"
	MoveDown  = "down"
	MoveTop   = "top"
	MoveFirst = "first" // alias for top
)

// Enqueue snapshots options, persists the PENDING job with its JOB_ADDED
// event and hands it to the worker pool. Returns the new job id.
func (m *Manager) Enqueue(url, outputFolder string, priority int, opts options.Options) (string, error) {
	if url == "" {
		return "", fmt.Errorf("url is required")
	}
	if outputFolder == "" {
		outputFolder = m.cfg.DefaultOutput
	}
	if priority < storage.PriorityLow || priority > storage.PriorityHigh {
		priority = storage.PriorityNormal
	}

	warnings := opts.Normalize()
	blob, err := opts.Encode()
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	position, err := m.store.NextPosition()
	if err != nil {
		return "", fmt.Errorf("allocate queue position: %w", err)
	}

	job := &storage.JobRecord{
		ID:           uuid.New().String(),
		URL:          url,
		Engine:       m.factory.Peek(url),
		Status:       storage.JobPending,
		Priority:     priority,
		Position:     position,
		OutputFolder: outputFolder,
		OptionsBlob:  string(blob),
		CreatedAt:    time.Now(),
	}

	payload := map[string]any{"url": url, "engine": job.Engine, "output_folder": outputFolder}
	if err := m.store.CreateJob(job, recordEvent(job.ID, events.JobAdded, payload)); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	m.emit(job.ID, events.JobAdded, payload)
	for _, w := range warnings {
		m.logEvent(job.ID, "warning", w)
	}

	m.queue.Push(job)
	m.logger.Info("job enqueued", "job", job.ID, "url", url, "priority", priority)
	return job.ID, nil
}

// Cancel stops a job wherever it is: queued, running or paused. Idempotent
// on terminal jobs.
func (m *Manager) Cancel(jobID string) error {
	if a := m.activeJobFor(jobID); a != nil {
		a.token.Cancel()
		return nil
	}
	if job := m.queue.Remove(jobID); job != nil {
		m.cancelBeforePickup(job)
		return nil
	}

	job, err := m.store.GetJob(jobID)
	if err != nil {
		return ErrJobNotFound
	}
	if storage.TerminalJobStatus(job.Status) {
		return nil
	}
	// Paused (PENDING but unqueued).
	m.cancelBeforePickup(&job)
	return nil
}

// cancelBeforePickup terminates a job that never reached a worker.
func (m *Manager) cancelBeforePickup(job *storage.JobRecord) {
	now := time.Now()
	job.Status = storage.JobCancelled
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.FinishedAt = &now

	donePayload := counterPayload(job)
	donePayload["status"] = job.Status
	if err := m.store.UpdateJob(job,
		recordEvent(job.ID, events.JobCancelled, nil),
		recordEvent(job.ID, events.JobDone, donePayload),
	); err != nil {
		m.logger.Error("persist cancel", "job", job.ID, "error", err)
	}
	m.emit(job.ID, events.JobCancelled, nil)
	m.emit(job.ID, events.JobDone, donePayload)
	m.logger.Info("job cancelled before pickup", "job", job.ID)
}

// Pause releases a running job's worker slot (RUNNING→PENDING) or parks a
// queued job so it waits for Resume.
func (m *Manager) Pause(jobID string) error {
	if a := m.activeJobFor(jobID); a != nil {
		a.requestPause()
		return nil
	}
	if job := m.queue.Remove(jobID); job != nil {
		// Still PENDING in the store; just unqueued until Resume.
		m.logEvent(job.ID, "info", "job paused")
		return nil
	}
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return ErrJobNotFound
	}
	if storage.TerminalJobStatus(job.Status) {
		return ErrJobTerminal
	}
	return nil
}

// Resume requeues a paused (PENDING, unqueued) job.
func (m *Manager) Resume(jobID string) error {
	if m.activeJobFor(jobID) != nil || m.queue.Contains(jobID) {
		return nil
	}
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return ErrJobNotFound
	}
	if storage.TerminalJobStatus(job.Status) {
		return ErrJobTerminal
	}
	if job.Status != storage.JobPending {
		return ErrJobNotRunning
	}
	m.queue.Push(&job)
	m.logEvent(job.ID, "info", "job resumed")
	return nil
}

// Reorder moves a queued job within its priority band.
func (m *Manager) Reorder(jobID, direction string) error {
	var moved bool
	switch direction {
	case MoveUp:
		moved = m.queue.MoveUp(jobID)
	case MoveDown:
		moved = m.queue.MoveDown(jobID)
	case MoveTop, MoveFirst:
		moved = m.queue.MoveToFront(jobID)
	default:
		return fmt.Errorf("unknown direction %q", direction)
	}
	if !moved {
		return fmt.Errorf("cannot move job %s %s", jobID, direction)
	}
	// Persist the new positions of the affected band.
	for _, j := range m.queue.GetAll() {
		if err := m.store.UpdateJob(j); err != nil {
			return fmt.Errorf("persist positions: %w", err)
		}
	}
	return nil
}

// SetPriority rebands a queued job.
func (m *Manager) SetPriority(jobID string, priority int) error {
	if priority < storage.PriorityLow || priority > storage.PriorityHigh {
		return fmt.Errorf("invalid priority %d", priority)
	}
	if !m.queue.SetPriority(jobID, priority) {
		return fmt.Errorf("job %s is not queued", jobID)
	}
	for _, j := range m.queue.GetAll() {
		if j.ID == jobID {
			return m.store.UpdateJob(j)
		}
	}
	return nil
}

// Remove deletes a job and its history. Only terminal or pending jobs may
// be removed.
func (m *Manager) Remove(jobID string) error {
	if m.activeJobFor(jobID) != nil {
		return ErrJobRunning
	}
	m.queue.Remove(jobID)
	if _, err := m.store.GetJob(jobID); err != nil {
		return ErrJobNotFound
	}
	return m.store.DeleteJob(jobID)
}

// ClearCompleted purges all completed jobs, returning how many went.
func (m *Manager) ClearCompleted() (int, error) {
	ids, err := m.store.ClearCompleted()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ListJobs returns jobs in queue order, optionally filtered by status.
func (m *Manager) ListJobs(status string) ([]storage.JobRecord, error) {
	return m.store.ListJobs(status)
}

// GetJob returns one job row.
func (m *Manager) GetJob(jobID string) (storage.JobRecord, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return storage.JobRecord{}, ErrJobNotFound
	}
	return job, nil
}

// ItemsForJob returns a job's item rows.
func (m *Manager) ItemsForJob(jobID string) ([]storage.ItemRecord, error) {
	return m.store.ItemsForJob(jobID)
}

// RecentEvents lets late subscribers catch up on a job's persisted stream.
func (m *Manager) RecentEvents(jobID string, sinceID uint, limit int) ([]storage.EventRecord, error) {
	return m.store.EventsSince(jobID, sinceID, limit)
}

// Subscribe attaches a live event listener.
func (m *Manager) Subscribe() *events.Subscription {
	return m.bus.Subscribe()
}

package engine

import (
	"fmt"
	"time"

	"github.com/primoscope/mediadl/internal/downloader"
	"github.com/primoscope/mediadl/internal/events"
	"github.com/primoscope/mediadl/internal/filesystem"
	"github.com/primoscope/mediadl/internal/options"
	"github.com/primoscope/mediadl/internal/storage"
)

// adapterOutcome is what comes back over the worker's result channel.
type adapterOutcome struct {
	result *downloader.Result
	err    error
	wedged bool // adapter ignored cancellation past the grace period
}

// runJob drives one job from pickup to its next rest state.
func (m *Manager) runJob(job *storage.JobRecord) {
	// Cancel may have landed between Pop and here.
	cur, err := m.store.GetJob(job.ID)
	if err != nil || storage.TerminalJobStatus(cur.Status) {
		return
	}
	*job = cur

	opts, warnings, err := options.Decode([]byte(job.OptionsBlob))
	if err != nil {
		m.logger.Error("corrupt options blob", "job", job.ID, "error", err)
		opts = options.Defaults()
	}
	for _, w := range warnings {
		m.logEvent(job.ID, "warning", w)
	}

	a := &activeJob{
		job:   job,
		token: downloader.NewToken(m.rootCtx),
		done:  make(chan struct{}),
	}
	m.registerActive(a)
	defer func() {
		m.unregisterActive(job.ID)
		close(a.done)
	}()

	fs := filesystem.NewAdapter(job.OutputFolder)

	adapter, engineTag, fellThrough, err := m.factory.Resolve(job.URL)
	if err != nil {
		m.startJob(job, job.Engine)
		m.logEvent(job.ID, "error", fmt.Sprintf("no downloader can handle %s", job.URL))
		m.finishFailed(job, fmt.Sprintf("no downloader can handle this URL: %s", job.URL), true)
		return
	}
	if fellThrough {
		m.logEvent(job.ID, "warning", "no native adapter matched; falling back to generic scraping")
	}

	m.startJob(job, engineTag)

	reporter, err := m.newJobReporter(job)
	if err != nil {
		m.finishFailed(job, fmt.Sprintf("loading item history: %v", err), true)
		return
	}

	outcome := m.runAdapter(a, adapter, opts, reporter, fs)
	m.settle(a, outcome, fs)
}

// startJob moves PENDING→RUNNING and emits JOB_STARTED before any adapter
// work.
func (m *Manager) startJob(job *storage.JobRecord, engineTag string) {
	now := time.Now()
	job.Status = storage.JobRunning
	job.Engine = engineTag
	job.StartedAt = &now
	job.FinishedAt = nil

	payload := map[string]any{"url": job.URL, "engine": engineTag}
	if err := m.store.UpdateJob(job, recordEvent(job.ID, events.JobStarted, payload)); err != nil {
		m.logger.Error("persist job start", "job", job.ID, "error", err)
	}
	m.emit(job.ID, events.JobStarted, payload)
	m.logger.Info("job started", "job", job.ID, "engine", engineTag, "url", job.URL)
}

// runAdapter invokes the adapter with panic containment and the
// cancellation watchdog.
func (m *Manager) runAdapter(a *activeJob, adapter downloader.Adapter, opts options.Options, reporter *jobReporter, fs *filesystem.Adapter) adapterOutcome {
	resultCh := make(chan adapterOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("adapter panic", "job", a.job.ID, "panic", r)
				resultCh <- adapterOutcome{err: fmt.Errorf("internal adapter error: %v", r)}
			}
		}()
		res, err := adapter.Download(a.job.URL, opts, a.token, reporter, fs)
		resultCh <- adapterOutcome{result: res, err: err}
	}()

	select {
	case out := <-resultCh:
		return out
	case <-a.token.Done():
	}

	// Cancelled (or pausing): the adapter owes us a return within the
	// grace period.
	select {
	case out := <-resultCh:
		return out
	case <-time.After(cancelGrace):
		m.logger.Error("adapter wedged past cancellation grace; this is a bug in the adapter",
			"job", a.job.ID, "grace", cancelGrace)
		return adapterOutcome{wedged: true}
	}
}

// settle applies the terminal (or pause) transition for a finished run.
func (m *Manager) settle(a *activeJob, out adapterOutcome, fs *filesystem.Adapter) {
	job := a.job

	cancelled := a.token.IsCancelled() || out.wedged ||
		(out.result != nil && out.result.Cancelled)

	switch {
	case a.pauseRequested():
		m.settlePaused(job, fs)
	case cancelled:
		m.settleCancelled(job, fs)
	case out.err != nil:
		m.finishFailed(job, out.err.Error(), true)
	case out.result != nil && !out.result.Success:
		msg := out.result.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("%d of %d items failed", len(out.result.FailedFiles), out.result.TotalFiles)
		}
		m.finishFailed(job, msg, false)
	case job.FailedItems > 0:
		m.finishFailed(job, fmt.Sprintf("%d of %d items failed", job.FailedItems, job.TotalItems), false)
	default:
		m.finishCompleted(job)
	}
}

// settlePaused moves RUNNING→PENDING: counters stay, in-flight items become
// CANCELLED and their partials are swept. The job is NOT requeued; resume
// puts it back.
func (m *Manager) settlePaused(job *storage.JobRecord, fs *filesystem.Adapter) {
	if err := m.store.ResolveDownloadingItems(job.ID, storage.ItemCancelled); err != nil {
		m.logger.Error("resolve in-flight items", "job", job.ID, "error", err)
	}
	m.sweepParts(job.ID, fs)

	job.Status = storage.JobPending
	job.StartedAt = nil
	job.FinishedAt = nil
	if err := m.store.UpdateJob(job); err != nil {
		m.logger.Error("persist pause", "job", job.ID, "error", err)
	}
	m.logEvent(job.ID, "info", "job paused")
	m.logger.Info("job paused", "job", job.ID)
}

func (m *Manager) settleCancelled(job *storage.JobRecord, fs *filesystem.Adapter) {
	if err := m.store.ResolveDownloadingItems(job.ID, storage.ItemCancelled); err != nil {
		m.logger.Error("resolve in-flight items", "job", job.ID, "error", err)
	}
	m.sweepParts(job.ID, fs)

	now := time.Now()
	job.Status = storage.JobCancelled
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
	m.logger.Info("job cancelled", "job", job.ID)
}

// finishFailed terminates the job as FAILED. fatal marks unrecoverable
// errors that also emit JOB_ERROR before JOB_DONE.
func (m *Manager) finishFailed(job *storage.JobRecord, message string, fatal bool) {
	now := time.Now()
	job.Status = storage.JobFailed
	job.FinishedAt = &now
	job.ErrorMessage = message

	donePayload := counterPayload(job)
	donePayload["status"] = job.Status
	donePayload["error_message"] = message

	evs := make([]*storage.EventRecord, 0, 2)
	if fatal {
		evs = append(evs, recordEvent(job.ID, events.JobError, map[string]any{"error": message}))
	}
	evs = append(evs, recordEvent(job.ID, events.JobDone, donePayload))
	if err := m.store.UpdateJob(job, evs...); err != nil {
		m.logger.Error("persist failure", "job", job.ID, "error", err)
	}
	if fatal {
		m.emit(job.ID, events.JobError, map[string]any{"error": message})
	}
	m.emit(job.ID, events.JobDone, donePayload)
	m.logger.Error("job failed", "job", job.ID, "error", message)
}

func (m *Manager) finishCompleted(job *storage.JobRecord) {
	now := time.Now()
	job.Status = storage.JobCompleted
	job.FinishedAt = &now

	donePayload := counterPayload(job)
	donePayload["status"] = job.Status
	if err := m.store.UpdateJob(job, recordEvent(job.ID, events.JobDone, donePayload)); err != nil {
		m.logger.Error("persist completion", "job", job.ID, "error", err)
	}
	m.emit(job.ID, events.JobDone, donePayload)
	m.logger.Info("job completed", "job", job.ID,
		"completed", job.CompletedItems, "skipped", job.SkippedItems)
}

// sweepParts deletes straggler .part files the adapter should have removed.
func (m *Manager) sweepParts(jobID string, fs *filesystem.Adapter) {
	for _, p := range fs.CleanupParts() {
		m.logger.Warn("swept straggler partial", "job", jobID, "path", p)
	}
}

// Package engine owns the job lifecycle: the state machine, the worker
// pool, scheduling, cancellation propagation and crash recovery. All durable
// state flows through storage; all observable state leaves via the bus.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/primoscope/mediadl/internal/downloader"
	"github.com/primoscope/mediadl/internal/events"
	"github.com/primoscope/mediadl/internal/limiter"
	"github.com/primoscope/mediadl/internal/queue"
	"github.com/primoscope/mediadl/internal/storage"
)

const (
	// DefaultWorkers is the size of the job worker pool.
	DefaultWorkers = 3
	// cancelGrace is how long a worker waits for a cancelled adapter to
	// return before forcing the terminal state.
	cancelGrace = 5 * time.Second
)

// Config carries engine construction options.
type Config struct {
	Workers         int
	DefaultOutput   string // output folder when enqueue omits one
	ShutdownTimeout time.Duration
}

func (c *Config) fill() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// activeJob is the in-memory control block of one running job.
type activeJob struct {
	job   *storage.JobRecord
	token *downloader.Token
	done  chan struct{}

	mu     sync.Mutex
	paused bool // pause requested; terminal becomes PENDING instead of CANCELLED
}

func (a *activeJob) requestPause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
	a.token.Cancel()
}

func (a *activeJob) pauseRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Manager is the queue manager: it owns all in-memory mutation of jobs
// while they run.
type Manager struct {
	logger    *slog.Logger
	store     *storage.Store
	bus       *events.Bus
	factory   *downloader.Factory
	limiter   *limiter.DomainLimiter
	bandwidth *limiter.Bandwidth
	cfg       Config

	queue   *queue.JobQueue
	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeJob
}

func NewManager(logger *slog.Logger, store *storage.Store, bus *events.Bus, factory *downloader.Factory, dl *limiter.DomainLimiter, bw *limiter.Bandwidth, cfg Config) *Manager {
	cfg.fill()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:    logger,
		store:     store,
		bus:       bus,
		factory:   factory,
		limiter:   dl,
		bandwidth: bw,
		cfg:       cfg,
		queue:     queue.New(),
		rootCtx:   ctx,
		stop:      cancel,
		active:    make(map[string]*activeJob),
	}
}

// Start runs crash recovery and launches the worker pool.
func (m *Manager) Start() error {
	if err := m.recoverOnStartup(); err != nil {
		return err
	}
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.logger.Info("engine started", "workers", m.cfg.Workers)
	return nil
}

// Shutdown pauses running jobs so they resume as PENDING next start, then
// waits for workers to drain.
func (m *Manager) Shutdown() error {
	m.logger.Info("engine shutting down")
	m.queue.Close()

	m.mu.Lock()
	for _, a := range m.active {
		a.requestPause()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.logger.Error("workers did not drain before shutdown timeout")
	}
	m.stop()

	if err := m.store.Checkpoint(); err != nil {
		m.logger.Error("checkpoint failed", "error", err)
		return err
	}
	m.logger.Info("engine shutdown complete")
	return nil
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		job := m.queue.Pop()
		if job == nil {
			return
		}
		m.runJob(job)
	}
}

// registerActive puts a job into the running set.
func (m *Manager) registerActive(a *activeJob) {
	m.mu.Lock()
	m.active[a.job.ID] = a
	m.mu.Unlock()
}

func (m *Manager) unregisterActive(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) activeJobFor(id string) *activeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// recordEvent builds the persistent row for an event payload.
func recordEvent(jobID string, t events.Type, payload map[string]any) *storage.EventRecord {
	blob, _ := json.Marshal(payload)
	return &storage.EventRecord{
		JobID:       jobID,
		Timestamp:   time.Now(),
		Type:        string(t),
		PayloadBlob: string(blob),
	}
}

// emit publishes an already-persisted event on the bus.
func (m *Manager) emit(jobID string, t events.Type, payload map[string]any) {
	m.bus.Emit(jobID, t, payload)
}

// logEvent appends and publishes a LOG event for a job.
func (m *Manager) logEvent(jobID, level, message string) {
	payload := map[string]any{"message": message, "level": level}
	if err := m.store.AppendEvent(recordEvent(jobID, events.Log, payload)); err != nil {
		m.logger.Error("persist log event", "job", jobID, "error", err)
	}
	m.emit(jobID, events.Log, payload)
}

func counterPayload(job *storage.JobRecord) map[string]any {
	return map[string]any{
		"total_items":     job.TotalItems,
		"completed_items": job.CompletedItems,
		"failed_items":    job.FailedItems,
		"skipped_items":   job.SkippedItems,
	}
}

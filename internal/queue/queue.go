// Package queue is the in-memory pending-job queue workers pull from.
// Ordering is (priority desc, position asc): the first waiting high-priority
// job runs before any normal one, FIFO within a priority.
package queue

import (
	"sort"
	"sync"

	"github.com/primoscope/mediadl/internal/storage"
)

// JobQueue is a condition-variable guarded priority queue of pending jobs.
type JobQueue struct {
	items  []*storage.JobRecord
	mutex  sync.Mutex
	cond   *sync.Cond
	closed bool
}

func New() *JobQueue {
	q := &JobQueue{items: make([]*storage.JobRecord, 0)}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func jobLess(a, b *storage.JobRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Position < b.Position
}

// Push adds a job and wakes one waiting worker.
func (q *JobQueue) Push(job *storage.JobRecord) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.items = append(q.items, job)
	sort.SliceStable(q.items, func(i, j int) bool {
		return jobLess(q.items[i], q.items[j])
	})
	q.cond.Signal()
}

// Pop blocks until a job is available or the queue is closed; returns nil
// on close.
func (q *JobQueue) Pop() *storage.JobRecord {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil
	}
	job := q.items[0]
	q.items = q.items[1:]
	return job
}

// Close wakes all waiting workers; subsequent Pops return nil.
func (q *JobQueue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Remove takes a job out of the queue by id (cancel-before-pickup, remove).
func (q *JobQueue) Remove(id string) *storage.JobRecord {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	idx := q.findIndex(id)
	if idx < 0 {
		return nil
	}
	job := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return job
}

// Contains reports whether a job is queued.
func (q *JobQueue) Contains(id string) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.findIndex(id) >= 0
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

// GetAll returns a snapshot of the queued jobs in pop order.
func (q *JobQueue) GetAll() []*storage.JobRecord {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	out := make([]*storage.JobRecord, len(q.items))
	copy(out, q.items)
	return out
}

// MoveUp swaps a job with its predecessor within the same priority band.
func (q *JobQueue) MoveUp(id string) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	idx := q.findIndex(id)
	if idx <= 0 || q.items[idx-1].Priority != q.items[idx].Priority {
		return false
	}
	q.swapPositions(idx-1, idx)
	return true
}

// MoveDown swaps a job with its successor within the same priority band.
func (q *JobQueue) MoveDown(id string) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	idx := q.findIndex(id)
	if idx < 0 || idx >= len(q.items)-1 || q.items[idx+1].Priority != q.items[idx].Priority {
		return false
	}
	q.swapPositions(idx, idx+1)
	return true
}

// MoveToFront puts a job ahead of everything in its priority band.
func (q *JobQueue) MoveToFront(id string) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	idx := q.findIndex(id)
	if idx < 0 {
		return false
	}
	job := q.items[idx]
	first := q.firstOfPriority(job.Priority)
	if first < 0 || first == idx {
		return false
	}
	job.Position = q.items[first].Position - 1
	q.resort()
	return true
}

// SetPriority rebands a queued job and re-sorts.
func (q *JobQueue) SetPriority(id string, priority int) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	idx := q.findIndex(id)
	if idx < 0 {
		return false
	}
	q.items[idx].Priority = priority
	q.resort()
	return true
}

func (q *JobQueue) findIndex(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *JobQueue) firstOfPriority(priority int) int {
	for i, item := range q.items {
		if item.Priority == priority {
			return i
		}
	}
	return -1
}

// swapPositions exchanges queue slots and the persistent position values so
// the new order survives a restart.
func (q *JobQueue) swapPositions(i, j int) {
	q.items[i].Position, q.items[j].Position = q.items[j].Position, q.items[i].Position
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *JobQueue) resort() {
	sort.SliceStable(q.items, func(i, j int) bool {
		return jobLess(q.items[i], q.items[j])
	})
}

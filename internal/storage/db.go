// Package storage is the durable history store: jobs, items and events in
// embedded SQLite. It is the sole source of truth across restarts. All
// writes go through one serialized writer; reads may proceed concurrently.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DBFileName under the state directory.
const DBFileName = "downloads.db"

// Store handles all database operations.
type Store struct {
	db *gorm.DB
	mu sync.Mutex // serializes writers
}

// Open initializes the SQLite store under stateDir.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return openAt(filepath.Join(stateDir, DBFileName))
}

func openAt(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers unblocked while the writer holds the lock.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA cache_size=10000;")

	if err := db.AutoMigrate(
		&JobRecord{},
		&ItemRecord{},
		&EventRecord{},
		&SpeedTestRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ============= Jobs =============

// CreateJob persists a new job and its JOB_ADDED event in one transaction.
func (s *Store) CreateJob(job *JobRecord, ev *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return appendEvents(tx, ev)
	})
}

// UpdateJob saves a job row and appends the events belonging to the same
// state change, atomically.
func (s *Store) UpdateJob(job *JobRecord, events ...*EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(job).Error; err != nil {
			return err
		}
		return appendEvents(tx, events...)
	})
}

// GetJob retrieves one job by id.
func (s *Store) GetJob(id string) (JobRecord, error) {
	var job JobRecord
	err := s.db.First(&job, "id = ?", id).Error
	return job, err
}

// ListJobs returns all jobs, queue order first (priority desc, position
// asc), with an optional status filter.
func (s *Store) ListJobs(status string) ([]JobRecord, error) {
	var jobs []JobRecord
	q := s.db.Order("priority desc, position asc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// JobsByStatus returns jobs with the given status in queue order.
func (s *Store) JobsByStatus(status string) ([]JobRecord, error) {
	return s.ListJobs(status)
}

// NextPosition returns the next insertion position.
func (s *Store) NextPosition() (int, error) {
	var maxPos int
	err := s.db.Model(&JobRecord{}).Select("IFNULL(MAX(position), 0)").Row().Scan(&maxPos)
	return maxPos + 1, err
}

// DeleteJob removes a job with its items and events.
func (s *Store) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&EventRecord{}, "job_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ItemRecord{}, "job_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&JobRecord{}, "id = ?", id).Error
	})
}

// ClearCompleted removes all completed jobs, returning their ids.
func (s *Store) ClearCompleted() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&JobRecord{}).Where("status = ?", JobCompleted).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Delete(&EventRecord{}, "job_id IN ?", ids).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ItemRecord{}, "job_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Delete(&JobRecord{}, "id IN ?", ids).Error
	})
	return ids, err
}

// ============= Items =============

// UpsertItem writes an item row, updates its job's counter snapshot and
// appends the matching events in one transaction.
func (s *Store) UpsertItem(item *ItemRecord, job *JobRecord, events ...*EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		item.UpdatedAt = time.Now()
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "item_key"}},
			UpdateAll: true,
		}).Create(item).Error; err != nil {
			return err
		}
		if job != nil {
			if err := tx.Save(job).Error; err != nil {
				return err
			}
		}
		return appendEvents(tx, events...)
	})
}

// ItemsForJob returns all item rows of a job.
func (s *Store) ItemsForJob(jobID string) ([]ItemRecord, error) {
	var items []ItemRecord
	err := s.db.Where("job_id = ?", jobID).Order("item_key asc").Find(&items).Error
	return items, err
}

// CompletedItemKeys returns the set of item keys already completed for a
// job. Adapters consult it to resume without recounting.
func (s *Store) CompletedItemKeys(jobID string) (map[string]bool, error) {
	var keys []string
	err := s.db.Model(&ItemRecord{}).
		Where("job_id = ? AND status = ?", jobID, ItemCompleted).
		Pluck("item_key", &keys).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set, nil
}

// ResolveDownloadingItems force-terminates any item still marked
// downloading for a job (pause and cancel paths).
func (s *Store) ResolveDownloadingItems(jobID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&ItemRecord{}).
		Where("job_id = ? AND status = ?", jobID, ItemDownloading).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
}

// ============= Events =============

// AppendEvent persists one event outside any job mutation.
func (s *Store) AppendEvent(ev *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Create(ev).Error
}

// EventsSince returns a job's events with id > sinceID, oldest first, for
// late subscribers catching up.
func (s *Store) EventsSince(jobID string, sinceID uint, limit int) ([]EventRecord, error) {
	var events []EventRecord
	q := s.db.Where("job_id = ? AND id > ?", jobID, sinceID).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

func appendEvents(tx *gorm.DB, events ...*EventRecord) error {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
	}
	return nil
}

// ============= Speed tests =============

// SaveSpeedTest saves one speed test result.
func (s *Store) SaveSpeedTest(rec *SpeedTestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return s.db.Create(rec).Error
}

// SpeedTestHistory returns the last N speed tests, newest first.
func (s *Store) SpeedTestHistory(limit int) ([]SpeedTestRecord, error) {
	var history []SpeedTestRecord
	err := s.db.Order("timestamp desc").Limit(limit).Find(&history).Error
	return history, err
}

package storage

import (
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Item statuses.
const (
	ItemPending     = "pending"
	ItemDownloading = "downloading"
	ItemCompleted   = "completed"
	ItemFailed      = "failed"
	ItemSkipped     = "skipped"
	ItemCancelled   = "cancelled"
)

// Job priorities. Higher runs first; position breaks ties within a priority.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// TerminalJobStatus reports whether a job status is absorbing.
func TerminalJobStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobRecord is one user request: a URL that may fan out to many items.
type JobRecord struct {
	ID           string `gorm:"primaryKey" json:"id"`
	URL          string `json:"url"`
	Engine       string `json:"engine"`
	Status       string `gorm:"index" json:"status"`
	Priority     int    `gorm:"default:1;index:idx_jobs_queue" json:"priority"`
	Position     int    `gorm:"index:idx_jobs_queue" json:"position"`
	OutputFolder string `json:"output_folder"`
	OptionsBlob  string `json:"-"` // DownloadOptions JSON snapshot

	TotalItems     int `json:"total_items"`
	CompletedItems int `json:"completed_items"`
	FailedItems    int `json:"failed_items"`
	SkippedItems   int `json:"skipped_items"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (JobRecord) TableName() string {
	return "jobs"
}

// ItemRecord is one media file within a job, keyed by (job_id, item_key) so
// a restarted job can skip items already completed.
type ItemRecord struct {
	JobID      string    `gorm:"primaryKey;index" json:"job_id"`
	ItemKey    string    `gorm:"primaryKey" json:"item_key"`
	Status     string    `json:"status"`
	FilePath   string    `json:"file_path,omitempty"`
	BytesTotal int64     `json:"bytes_total"` // -1 when unknown
	BytesDone  int64     `json:"bytes_done"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (ItemRecord) TableName() string {
	return "items"
}

// EventRecord is the append-only audit row backing the event bus. The id
// order is the authoritative per-job event order.
type EventRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	JobID       string    `gorm:"index" json:"job_id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	PayloadBlob string    `json:"payload"` // JSON
}

func (EventRecord) TableName() string {
	return "events"
}

// SpeedTestRecord stores past connection speed test results.
type SpeedTestRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        int64     `json:"ping_ms"`
	ServerName    string    `json:"server_name"`
	ServerCountry string    `json:"server_country"`
	Timestamp     time.Time `json:"timestamp"`
}

func (SpeedTestRecord) TableName() string {
	return "speed_test_history"
}

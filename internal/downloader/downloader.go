// Package downloader defines the adapter contract every site or engine
// integration implements, plus the shared machinery adapters lean on: the
// cancellation token, the progress reporter and throttler, the resolution
// factory and the common HTTP item fetcher.
package downloader

import (
	"errors"
	"time"

	"github.com/primoscope/mediadl/internal/filesystem"
	"github.com/primoscope/mediadl/internal/options"
)

// Engine tags recorded on jobs. Native adapters are tagged "native:<site>".
const (
	EngineGallery = "gallery"
	EngineYtDlp   = "ytdlp"
	EngineGeneric = "generic"
	EnginePrefix  = "native:"
)

// Sentinel errors for the non-retryable failure kinds adapters surface.
var (
	// ErrAuth marks 401/403 responses; the message should suggest
	// refreshing cookies rather than retrying.
	ErrAuth = errors.New("authentication or access denied")
	// ErrNotFound marks 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrCancelled marks cooperative cancellation; not an error condition.
	ErrCancelled = errors.New("cancelled")
	// ErrNoResolver means no tier could handle the URL.
	ErrNoResolver = errors.New("no downloader can handle this URL")
)

// FileError records one failed item inside a Result.
type FileError struct {
	ItemKey string `json:"item_key"`
	Error   string `json:"error"`
}

// Result is what an adapter returns for a whole job.
// Success must equal (len(FailedFiles) == 0 && !Cancelled).
type Result struct {
	Success        bool
	Cancelled      bool
	TotalFiles     int
	CompletedFiles int // includes skipped
	FailedFiles    []FileError
	SkippedFiles   []string
	ErrorMessage   string
}

// Finalize derives the aggregate fields from the per-file slices.
func (r *Result) Finalize() {
	r.Success = len(r.FailedFiles) == 0 && !r.Cancelled
	if !r.Success && r.ErrorMessage == "" && len(r.FailedFiles) > 0 {
		r.ErrorMessage = r.FailedFiles[0].Error
	}
}

// Reporter is how adapters feed item lifecycle back to the engine. Every
// item must see ItemStart before its terminal call, except skips which may
// fire standalone. Completed lets adapters skip items already downloaded in
// a previous run without recounting them.
type Reporter interface {
	SetTotalItems(n int)
	ItemStart(itemKey, url string, bytesTotal int64)
	ItemProgress(itemKey string, bytesDone, bytesTotal int64, speed float64, eta time.Duration)
	ItemDone(itemKey, filePath string, bytesTotal int64)
	ItemSkip(itemKey, reason string)
	ItemFail(itemKey string, err error)
	Completed(itemKey string) bool
}

// Adapter is the downloader contract (one per site or external engine).
type Adapter interface {
	// CanHandle is a cheap, pure syntactic check used by the factory.
	CanHandle(url string) bool
	// SiteName identifies the adapter for logging and engine tagging.
	SiteName() string
	// Download runs the whole job: enumerate media items behind url and
	// transfer each one, honoring opts, checking cancel at every item
	// boundary and at least once per chunk, and reporting through report.
	// Partial files created by the adapter must be deleted on cancel.
	Download(url string, opts options.Options, cancel *Token, report Reporter, fs *filesystem.Adapter) (*Result, error)
}

package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primoscope/mediadl/internal/downloader"
	"github.com/primoscope/mediadl/internal/events"
	"github.com/primoscope/mediadl/internal/filesystem"
	"github.com/primoscope/mediadl/internal/limiter"
	"github.com/primoscope/mediadl/internal/options"
	"github.com/primoscope/mediadl/internal/storage"
)

// scriptedAdapter lets each test drive the job however it needs.
type scriptedAdapter struct {
	site     string
	download func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error)
}

func (s *scriptedAdapter) CanHandle(string) bool { return true }
func (s *scriptedAdapter) SiteName() string      { return s.site }
func (s *scriptedAdapter) Download(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
	return s.download(url, opts, cancel, report, fs)
}

type testRig struct {
	m      *Manager
	store  *storage.Store
	output string
}

func newTestRig(t *testing.T, adapter downloader.Adapter) *testRig {
	t.Helper()
	stateDir := t.TempDir()
	output := t.TempDir()

	store, err := storage.Open(stateDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	factory := downloader.NewFactory()
	if adapter != nil {
		factory.Register(adapter)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, store, events.NewBus(), factory,
		limiter.NewDomainLimiter(), limiter.NewBandwidth(),
		Config{Workers: 1, DefaultOutput: output, ShutdownTimeout: 2 * time.Second})
	return &testRig{m: m, store: store, output: output}
}

func (r *testRig) start(t *testing.T) {
	t.Helper()
	require.NoError(t, r.m.Start())
	t.Cleanup(func() { r.m.Shutdown() })
}

func waitForStatus(t *testing.T, m *Manager, jobID, status string) storage.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.GetJob(jobID)
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := m.GetJob(jobID)
	t.Fatalf("job %s never reached %s (stuck at %s)", jobID, status, job.Status)
	return storage.JobRecord{}
}

func eventTypes(t *testing.T, m *Manager, jobID string) []string {
	t.Helper()
	evs, err := m.RecentEvents(jobID, 0, 0)
	require.NoError(t, err)
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func countType(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

// enumeratingAdapter downloads a fixed item list, honoring filters, resume
// state and cancellation the way real adapters do.
func enumeratingAdapter(names []string, sizes map[string]int64) *scriptedAdapter {
	return &scriptedAdapter{
		site: "examplesite",
		download: func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
			res := &downloader.Result{TotalFiles: len(names)}
			report.SetTotalItems(len(names))
			for _, name := range names {
				if cancel.IsCancelled() {
					res.Cancelled = true
					break
				}
				if report.Completed(name) {
					res.CompletedFiles++
					continue
				}
				size := sizes[name]
				if !opts.WantsKind(options.KindForExtension(filepath.Ext(name))) {
					report.ItemSkip(name, "file type excluded by options")
					res.SkippedFiles = append(res.SkippedFiles, name)
					continue
				}
				if !opts.SizeAllowed(size) {
					report.ItemSkip(name, fmt.Sprintf("size %d outside configured window", size))
					res.SkippedFiles = append(res.SkippedFiles, name)
					continue
				}
				report.ItemStart(name, url+"/"+name, size)
				report.ItemProgress(name, size/2, size, 1024, time.Second)
				path := filepath.Join(fs.Root(), name)
				if err := os.WriteFile(path, make([]byte, int(size)), 0644); err != nil {
					report.ItemFail(name, err)
					res.FailedFiles = append(res.FailedFiles, downloader.FileError{ItemKey: name, Error: err.Error()})
					continue
				}
				report.ItemDone(name, path, size)
				res.CompletedFiles++
			}
			res.Finalize()
			return res, nil
		},
	}
}

func TestHappyPathEventsAndCounters(t *testing.T) {
	names := []string{"a.jpg", "b.mp4", "c.png"}
	sizes := map[string]int64{"a.jpg": 1000, "b.mp4": 2000, "c.png": 500}
	rig := newTestRig(t, enumeratingAdapter(names, sizes))
	rig.start(t)

	id, err := rig.m.Enqueue("https://example.site/user/alice", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)

	job := waitForStatus(t, rig.m, id, storage.JobCompleted)
	assert.Equal(t, 3, job.TotalItems)
	assert.Equal(t, 3, job.CompletedItems)
	assert.Equal(t, 0, job.FailedItems)
	assert.Equal(t, 0, job.SkippedItems)
	assert.Equal(t, "native:examplesite", job.Engine)
	assert.Empty(t, job.ErrorMessage)
	require.NotNil(t, job.FinishedAt)

	for _, name := range names {
		assert.FileExists(t, filepath.Join(rig.output, name))
	}

	// Persisted stream carries the full lifecycle in order. Progress ticks
	// are bus-only.
	assert.Equal(t, []string{
		"JOB_ADDED", "JOB_STARTED",
		"ITEM_START", "ITEM_DONE", "JOB_PROGRESS",
		"ITEM_START", "ITEM_DONE", "JOB_PROGRESS",
		"ITEM_START", "ITEM_DONE", "JOB_PROGRESS",
		"JOB_DONE",
	}, eventTypes(t, rig.m, id))

	items, err := rig.m.ItemsForJob(id)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, storage.ItemCompleted, item.Status)
		assert.Equal(t, sizes[item.ItemKey], item.BytesDone)
	}
}

func TestLiveEventOrderOnBus(t *testing.T) {
	names := []string{"a.jpg"}
	rig := newTestRig(t, enumeratingAdapter(names, map[string]int64{"a.jpg": 100}))
	rig.start(t)

	sub := rig.m.Subscribe()
	defer sub.Close()

	id, err := rig.m.Enqueue("https://example.site/one", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)

	var got []events.Type
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.JobID != id {
				continue
			}
			got = append(got, ev.Type)
			if ev.Type == events.JobDone {
				assert.Equal(t, []events.Type{
					events.JobAdded, events.JobStarted,
					events.ItemStart, events.ItemProgress, events.ItemDone,
					events.JobProgress, events.JobDone,
				}, got)
				return
			}
		case <-deadline:
			t.Fatalf("no JOB_DONE on bus; saw %v", got)
		}
	}
}

func TestPartialFailureMarksJobFailed(t *testing.T) {
	adapter := &scriptedAdapter{
		site: "examplesite",
		download: func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
			res := &downloader.Result{TotalFiles: 3}
			report.SetTotalItems(3)
			for _, name := range []string{"a.jpg", "b.mp4", "c.png"} {
				report.ItemStart(name, url+"/"+name, 100)
				if name == "b.mp4" {
					err := fmt.Errorf("server error 503 (after 3 attempts)")
					report.ItemFail(name, err)
					res.FailedFiles = append(res.FailedFiles, downloader.FileError{ItemKey: name, Error: err.Error()})
					continue
				}
				path := filepath.Join(fs.Root(), name)
				require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
				report.ItemDone(name, path, 1)
				res.CompletedFiles++
			}
			res.Finalize()
			return res, nil
		},
	}
	rig := newTestRig(t, adapter)
	rig.start(t)

	id, err := rig.m.Enqueue("https://example.site/user/bob", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)

	job := waitForStatus(t, rig.m, id, storage.JobFailed)
	assert.Equal(t, 3, job.TotalItems)
	assert.Equal(t, 2, job.CompletedItems)
	assert.Equal(t, 1, job.FailedItems)
	assert.NotEmpty(t, job.ErrorMessage)

	types := eventTypes(t, rig.m, id)
	assert.Equal(t, 1, countType(types, "ITEM_FAIL"))
	assert.Equal(t, 1, countType(types, "JOB_DONE"))
	// Per-item failures are not fatal; no JOB_ERROR.
	assert.Equal(t, 0, countType(types, "JOB_ERROR"))
	// The failure did not stop the remaining items.
	assert.Equal(t, 3, countType(types, "ITEM_START"))
}

func TestCancellationMidTransfer(t *testing.T) {
	itemTwoStarted := make(chan struct{})
	adapter := &scriptedAdapter{
		site: "examplesite",
		download: func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
			report.SetTotalItems(3)

			path := filepath.Join(fs.Root(), "one.jpg")
			require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
			report.ItemStart("one.jpg", url+"/one.jpg", 1)
			report.ItemDone("one.jpg", path, 1)

			part := filepath.Join(fs.Root(), "two.mp4"+filesystem.PartSuffix)
			require.NoError(t, os.WriteFile(part, []byte("partial"), 0644))
			report.ItemStart("two.mp4", url+"/two.mp4", 1000)
			report.ItemProgress("two.mp4", 7, 1000, 10, time.Minute)
			close(itemTwoStarted)

			<-cancel.Done()
			return &downloader.Result{TotalFiles: 3, CompletedFiles: 1, Cancelled: true}, nil
		},
	}
	rig := newTestRig(t, adapter)
	rig.start(t)

	id, err := rig.m.Enqueue("https://example.site/user/carol", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)

	select {
	case <-itemTwoStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never reached item two")
	}

	cancelledAt := time.Now()
	require.NoError(t, rig.m.Cancel(id))
	job := waitForStatus(t, rig.m, id, storage.JobCancelled)
	assert.Less(t, time.Since(cancelledAt), 5*time.Second)

	assert.Equal(t, 1, job.CompletedItems)
	assert.NoFileExists(t, filepath.Join(rig.output, "two.mp4"+filesystem.PartSuffix))
	assert.FileExists(t, filepath.Join(rig.output, "one.jpg"))

	items, err := rig.m.ItemsForJob(id)
	require.NoError(t, err)
	byKey := map[string]string{}
	for _, item := range items {
		byKey[item.ItemKey] = item.Status
	}
	assert.Equal(t, storage.ItemCompleted, byKey["one.jpg"])
	assert.Equal(t, storage.ItemCancelled, byKey["two.mp4"])

	types := eventTypes(t, rig.m, id)
	assert.Equal(t, 1, countType(types, "JOB_CANCELLED"))
	assert.Equal(t, "JOB_DONE", types[len(types)-1])
}

func TestCancelQueuedJob(t *testing.T) {
	release := make(chan struct{})
	adapter := &scriptedAdapter{
		site: "examplesite",
		download: func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
			select {
			case <-release:
			case <-cancel.Done():
			}
			return &downloader.Result{Success: true}, nil
		},
	}
	rig := newTestRig(t, adapter)
	rig.start(t)

	first, err := rig.m.Enqueue("https://example.site/first", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)
	waitForStatus(t, rig.m, first, storage.JobRunning)

	second, err := rig.m.Enqueue("https://example.site/second", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)

	require.NoError(t, rig.m.Cancel(second))
	job := waitForStatus(t, rig.m, second, storage.JobCancelled)
	require.NotNil(t, job.FinishedAt)

	types := eventTypes(t, rig.m, second)
	assert.Equal(t, []string{"JOB_ADDED", "JOB_CANCELLED", "JOB_DONE"}, types)

	close(release)
	waitForStatus(t, rig.m, first, storage.JobCompleted)
}

func TestCrashRecoverySkipsCompletedItems(t *testing.T) {
	stateDir := t.TempDir()
	output := t.TempDir()

	// Seed the state a crash would leave behind: job RUNNING, item a done.
	store, err := storage.Open(stateDir)
	require.NoError(t, err)
	now := time.Now()
	job := &storage.JobRecord{
		ID:           "crashed-job",
		URL:          "https://example.site/user/alice",
		Engine:       "native:examplesite",
		Status:       storage.JobRunning,
		Priority:     storage.PriorityNormal,
		Position:     1,
		OutputFolder: output,
		OptionsBlob:  "{}",
		TotalItems:   3,
		CreatedAt:    now,
		StartedAt:    &now,
	}
	require.NoError(t, store.CreateJob(job, &storage.EventRecord{
		JobID: job.ID, Timestamp: now, Type: "JOB_ADDED", PayloadBlob: "{}",
	}))
	require.NoError(t, store.AppendEvent(&storage.EventRecord{
		JobID: job.ID, Timestamp: now, Type: "JOB_STARTED", PayloadBlob: "{}",
	}))
	job.CompletedItems = 1
	require.NoError(t, store.UpsertItem(&storage.ItemRecord{
		JobID: job.ID, ItemKey: "a.jpg", Status: storage.ItemCompleted,
		FilePath: filepath.Join(output, "a.jpg"), BytesTotal: 1000, BytesDone: 1000,
	}, job,
		&storage.EventRecord{JobID: job.ID, Timestamp: now, Type: "ITEM_START", PayloadBlob: `{"item_key":"a.jpg"}`},
		&storage.EventRecord{JobID: job.ID, Timestamp: now, Type: "ITEM_DONE", PayloadBlob: `{"item_key":"a.jpg"}`},
	))
	require.NoError(t, store.Close())

	// Restart on the same state directory.
	store, err = storage.Open(stateDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	names := []string{"a.jpg", "b.mp4", "c.png"}
	sizes := map[string]int64{"a.jpg": 1000, "b.mp4": 2000, "c.png": 500}
	factory := downloader.NewFactory()
	factory.Register(enumeratingAdapter(names, sizes))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(logger, store, events.NewBus(), factory,
		limiter.NewDomainLimiter(), limiter.NewBandwidth(),
		Config{Workers: 1, DefaultOutput: output, ShutdownTimeout: 2 * time.Second})
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown() })

	final := waitForStatus(t, m, job.ID, storage.JobCompleted)
	assert.Equal(t, 3, final.TotalItems)
	assert.Equal(t, 3, final.CompletedItems)
	assert.Equal(t, 0, final.FailedItems)
	assert.Equal(t, 0, final.SkippedItems)

	types := eventTypes(t, m, job.ID)
	assert.Equal(t, 1, countType(types, "JOB_ERROR"), "crash recovery emits one JOB_ERROR")

	// a.jpg was not re-downloaded: still exactly one ITEM_START for it.
	evs, err := m.RecentEvents(job.ID, 0, 0)
	require.NoError(t, err)
	startsForA := 0
	for _, ev := range evs {
		if ev.Type == "ITEM_START" && strings.Contains(ev.PayloadBlob, "a.jpg") {
			startsForA++
		}
	}
	assert.Equal(t, 1, startsForA)
	assert.Equal(t, 3, countType(types, "ITEM_START"))
}

func TestFiltersSkipItems(t *testing.T) {
	names := []string{"a.jpg", "bundle.zip", "big.mp4", "d.png"}
	sizes := map[string]int64{"a.jpg": 1000, "bundle.zip": 5000, "big.mp4": 12_000_000, "d.png": 500}
	rig := newTestRig(t, enumeratingAdapter(names, sizes))
	rig.start(t)

	noArchives := false
	id, err := rig.m.Enqueue("https://example.site/gallery", "", storage.PriorityNormal, options.Options{
		IncludeArchives: &noArchives,
		MaxSizeBytes:    10_000_000,
	})
	require.NoError(t, err)

	job := waitForStatus(t, rig.m, id, storage.JobCompleted)
	assert.Equal(t, 4, job.TotalItems)
	assert.Equal(t, 2, job.CompletedItems)
	assert.Equal(t, 2, job.SkippedItems)
	assert.Equal(t, 0, job.FailedItems)

	types := eventTypes(t, rig.m, id)
	assert.Equal(t, 2, countType(types, "ITEM_SKIP"))
	assert.NoFileExists(t, filepath.Join(rig.output, "bundle.zip"))
	assert.NoFileExists(t, filepath.Join(rig.output, "big.mp4"))
}

func TestPauseAndResume(t *testing.T) {
	var firstRun atomic.Bool
	firstRun.Store(true)
	itemTwoStarted := make(chan struct{})

	adapter := &scriptedAdapter{
		site: "examplesite",
		download: func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
			names := []string{"one.jpg", "two.mp4", "three.png"}
			report.SetTotalItems(len(names))
			res := &downloader.Result{TotalFiles: len(names)}
			for _, name := range names {
				if report.Completed(name) {
					res.CompletedFiles++
					continue
				}
				if name == "two.mp4" && firstRun.CompareAndSwap(true, false) {
					report.ItemStart(name, url+"/"+name, 1000)
					close(itemTwoStarted)
					<-cancel.Done()
					res.Cancelled = true
					res.Finalize()
					return res, nil
				}
				report.ItemStart(name, url+"/"+name, 10)
				path := filepath.Join(fs.Root(), name)
				require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))
				report.ItemDone(name, path, 10)
				res.CompletedFiles++
			}
			res.Finalize()
			return res, nil
		},
	}
	rig := newTestRig(t, adapter)
	rig.start(t)

	id, err := rig.m.Enqueue("https://example.site/user/dave", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)

	select {
	case <-itemTwoStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never reached item two")
	}

	require.NoError(t, rig.m.Pause(id))
	job := waitForStatus(t, rig.m, id, storage.JobPending)
	assert.Nil(t, job.StartedAt)
	assert.Equal(t, 1, job.CompletedItems, "counters preserved across pause")

	// Paused jobs sit outside the queue until resumed.
	time.Sleep(50 * time.Millisecond)
	job, err = rig.m.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, job.Status)

	items, err := rig.m.ItemsForJob(id)
	require.NoError(t, err)
	for _, item := range items {
		if item.ItemKey == "two.mp4" {
			assert.Equal(t, storage.ItemCancelled, item.Status)
		}
	}

	require.NoError(t, rig.m.Resume(id))
	job = waitForStatus(t, rig.m, id, storage.JobCompleted)
	assert.Equal(t, 3, job.CompletedItems)
	assert.Equal(t, 0, job.FailedItems)
}

func TestNoResolverFailsFatally(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.start(t)

	id, err := rig.m.Enqueue("https://nowhere.invalid/post/1", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)

	job := waitForStatus(t, rig.m, id, storage.JobFailed)
	assert.Contains(t, job.ErrorMessage, "no downloader can handle")

	types := eventTypes(t, rig.m, id)
	assert.Equal(t, 1, countType(types, "JOB_ERROR"))
	assert.Equal(t, "JOB_DONE", types[len(types)-1])
}

func TestAdapterPanicFailsJob(t *testing.T) {
	adapter := &scriptedAdapter{
		site: "examplesite",
		download: func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
			panic("boom")
		},
	}
	rig := newTestRig(t, adapter)
	rig.start(t)

	id, err := rig.m.Enqueue("https://example.site/panic", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)

	job := waitForStatus(t, rig.m, id, storage.JobFailed)
	assert.Contains(t, job.ErrorMessage, "internal adapter error")
	assert.Equal(t, 1, countType(eventTypes(t, rig.m, id), "JOB_ERROR"))
}

func TestShutdownParksRunningJobAsPending(t *testing.T) {
	started := make(chan struct{})
	adapter := &scriptedAdapter{
		site: "examplesite",
		download: func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
			close(started)
			<-cancel.Done()
			return &downloader.Result{Cancelled: true}, nil
		},
	}
	rig := newTestRig(t, adapter)
	require.NoError(t, rig.m.Start())

	id, err := rig.m.Enqueue("https://example.site/long", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, rig.m.Shutdown())

	job, err := rig.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, job.Status)
	assert.Nil(t, job.StartedAt)
}

func TestRemoveRules(t *testing.T) {
	release := make(chan struct{})
	adapter := &scriptedAdapter{
		site: "examplesite",
		download: func(url string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
			select {
			case <-release:
			case <-cancel.Done():
			}
			return &downloader.Result{Success: true}, nil
		},
	}
	rig := newTestRig(t, adapter)
	rig.start(t)

	id, err := rig.m.Enqueue("https://example.site/busy", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)
	waitForStatus(t, rig.m, id, storage.JobRunning)

	assert.ErrorIs(t, rig.m.Remove(id), ErrJobRunning)

	close(release)
	waitForStatus(t, rig.m, id, storage.JobCompleted)
	require.NoError(t, rig.m.Remove(id))
	_, err = rig.m.GetJob(id)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, rig.m.Remove(id), ErrJobNotFound)
}

func TestClearCompleted(t *testing.T) {
	rig := newTestRig(t, enumeratingAdapter([]string{"a.jpg"}, map[string]int64{"a.jpg": 10}))
	rig.start(t)

	id, err := rig.m.Enqueue("https://example.site/done", "", storage.PriorityNormal, options.Options{})
	require.NoError(t, err)
	waitForStatus(t, rig.m, id, storage.JobCompleted)

	n, err := rig.m.ClearCompleted()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = rig.m.GetJob(id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

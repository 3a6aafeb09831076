package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primoscope/mediadl/internal/filesystem"
	"github.com/primoscope/mediadl/internal/limiter"
	"github.com/primoscope/mediadl/internal/options"
)

func testFetcher() *Fetcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFetcher(logger, limiter.NewDomainLimiter(), limiter.NewBandwidth())
}

func fastOptions() options.Options {
	o := options.Defaults()
	o.RetryBaseDelayS = 0.01
	o.RetryMaxDelayS = 0.05
	o.MaxRetries = 3
	return o
}

func testItem(url string) Item {
	return Item{
		Key:      "item-1",
		URL:      url,
		Filename: "photo.jpg",
		Site:     "example",
		User:     "alice",
		SizeHint: -1,
		Seq:      1,
	}
}

func TestFetchItemHappyPath(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	fs := filesystem.NewAdapter(dir)
	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	outcome, err := testFetcher().FetchItem(fastOptions(), testItem(srv.URL+"/photo.jpg"), tok, rep, fs)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	require.Contains(t, rep.done, "item-1")
	got, err := os.ReadFile(rep.done["item-1"])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), rep.doneBytes["item-1"])

	// Lifecycle: start before done, at least one progress, no stray .part.
	assert.Equal(t, []string{"item-1"}, rep.starts)
	assert.GreaterOrEqual(t, rep.progressCount("item-1"), 1)
	assert.NoFileExists(t, rep.done["item-1"]+filesystem.PartSuffix)
}

func TestFetchItemAlreadyCompleted(t *testing.T) {
	rep := newRecordingReporter()
	rep.completed["item-1"] = true
	tok := NewToken(context.Background())

	outcome, err := testFetcher().FetchItem(fastOptions(), testItem("http://127.0.0.1:1/x.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDone, outcome)
	// No events at all for an item carried over from a previous run.
	assert.Empty(t, rep.starts)
	assert.Empty(t, rep.done)
	assert.Empty(t, rep.fails)
}

func TestFetchItemRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	payload := []byte("retry payload bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	outcome, err := testFetcher().FetchItem(fastOptions(), testItem(srv.URL+"/f.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, rep.fails)
}

func TestFetchItemNotFoundFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	outcome, err := testFetcher().FetchItem(fastOptions(), testItem(srv.URL+"/gone.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, rep.fails, "item-1")
}

func TestFetchItemAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	outcome, err := testFetcher().FetchItem(fastOptions(), testItem(srv.URL+"/locked.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, rep.fails["item-1"], "cookies")
}

func TestFetchItemRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tok := NewToken(context.Background())
	opts := fastOptions() // MaxRetries = 3

	outcome, err := testFetcher().FetchItem(opts, testItem(srv.URL+"/flaky.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, rep.fails["item-1"], "attempts")
}

func TestFetchItemExtensionFilterSkips(t *testing.T) {
	rep := newRecordingReporter()
	tok := NewToken(context.Background())
	opts := fastOptions()
	opts.ExcludedExtensions = []string{"jpg"}

	// No server needed: the skip happens before any network call.
	outcome, err := testFetcher().FetchItem(opts, testItem("http://127.0.0.1:1/photo.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Contains(t, rep.skips["item-1"], "jpg")
	assert.Empty(t, rep.starts)
}

func TestFetchItemTypeFilterSkips(t *testing.T) {
	rep := newRecordingReporter()
	tok := NewToken(context.Background())
	opts := fastOptions()
	no := false
	opts.IncludeImages = &no

	outcome, err := testFetcher().FetchItem(opts, testItem("http://127.0.0.1:1/photo.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestFetchItemSizeFilterAfterProbe(t *testing.T) {
	payload := make([]byte, 10_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tok := NewToken(context.Background())
	opts := fastOptions()
	opts.MaxSizeBytes = 1000

	outcome, err := testFetcher().FetchItem(opts, testItem(srv.URL+"/big.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Contains(t, rep.skips["item-1"], "size")
}

func TestFetchItemRangedResume(t *testing.T) {
	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i % 241)
	}
	var sawRange atomic.Bool
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			// Serve half, then cut the connection mid-body.
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			w.Write(payload[:4096])
			w.(http.Flusher).Flush()
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		rng := r.Header.Get("Range")
		if rng != "" {
			sawRange.Store(true)
			var from int64
			fmt.Sscanf(rng, "bytes=%d-", &from)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, int64(len(payload))-1, len(payload)))
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)-int(from)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(payload[from:])
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	outcome, err := testFetcher().FetchItem(fastOptions(), testItem(srv.URL+"/resume.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.True(t, sawRange.Load(), "second attempt should send a Range header")

	got, err := os.ReadFile(rep.done["item-1"])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchItemCancellationDeletesPartial(t *testing.T) {
	blocker := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 4096))
		w.(http.Flusher).Flush()
		<-blocker
	}))
	defer srv.Close()
	defer close(blocker)

	dir := t.TempDir()
	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := testFetcher().FetchItem(fastOptions(), testItem(srv.URL+"/slow.jpg"), tok, rep, filesystem.NewAdapter(dir))
		done <- outcome
	}()

	time.Sleep(100 * time.Millisecond)
	tok.Cancel()

	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeCancelled, outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after cancellation")
	}

	parts, err := filepath.Glob(filepath.Join(dir, "*"+filesystem.PartSuffix))
	require.NoError(t, err)
	assert.Empty(t, parts, "partial file should be deleted on cancel")
	assert.Empty(t, rep.done)
	assert.Empty(t, rep.fails)
}

func TestFetchItemJobBandwidthLimit(t *testing.T) {
	payload := make([]byte, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tok := NewToken(context.Background())
	opts := fastOptions()
	opts.BandwidthLimitKBps = 2 // 2048 B/s against a 4096 byte payload

	start := time.Now()
	outcome, err := testFetcher().FetchItem(opts, testItem(srv.URL+"/capped.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond,
		"job bandwidth cap must throttle the native transfer loop")
}

func TestFetchItemBandwidthBillsActualBytes(t *testing.T) {
	payload := make([]byte, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	f := testFetcher()
	f.Bandwidth.SetLimitKBps(2)
	// Let the bucket fill; the accumulated burst covers the payload exactly.
	time.Sleep(1100 * time.Millisecond)

	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	start := time.Now()
	outcome, err := f.FetchItem(fastOptions(), testItem(srv.URL+"/small.jpg"), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"short reads must not be billed at the full buffer size")
}

func TestFetchItemCancelDuringBackoffLeavesSweepablePartial(t *testing.T) {
	payload := make([]byte, 8192)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Serve half, then cut the connection so every attempt abandons a
		// partial and backs off.
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:4096])
		w.(http.Flusher).Flush()
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	dir := t.TempDir()
	fsAdapter := filesystem.NewAdapter(dir)
	rep := newRecordingReporter()
	tok := NewToken(context.Background())
	opts := fastOptions()
	opts.RetryBaseDelayS = 5
	opts.RetryMaxDelayS = 5

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := testFetcher().FetchItem(opts, testItem(srv.URL+"/cut.jpg"), tok, rep, fsAdapter)
		done <- outcome
	}()

	time.Sleep(300 * time.Millisecond) // inside the retry wait
	tok.Cancel()

	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeCancelled, outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after cancellation")
	}

	// The abandoned partial survives the fetch, but the adapter still knows
	// about it and the post-cancel sweep removes it.
	parts, err := filepath.Glob(filepath.Join(dir, "*"+filesystem.PartSuffix))
	require.NoError(t, err)
	require.NotEmpty(t, parts)
	assert.NotEmpty(t, fsAdapter.CleanupParts())
	parts, err = filepath.Glob(filepath.Join(dir, "*"+filesystem.PartSuffix))
	require.NoError(t, err)
	assert.Empty(t, parts, "no partial may outlive the cancellation sweep")
}

func TestFetchItemDerivesFilenameFromResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="served name.png"`)
		w.Write([]byte("\x89PNG\r\n\x1a\npayload"))
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tok := NewToken(context.Background())
	item := testItem(srv.URL + "/download")
	item.Filename = ""

	outcome, err := testFetcher().FetchItem(fastOptions(), item, tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, "served name.png", filepath.Base(rep.done["item-1"]))
}

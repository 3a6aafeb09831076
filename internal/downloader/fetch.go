package downloader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/primoscope/mediadl/internal/filesystem"
	"github.com/primoscope/mediadl/internal/limiter"
	"github.com/primoscope/mediadl/internal/options"
	"github.com/primoscope/mediadl/internal/retry"
)

const (
	// bufferSize for io copy loops.
	bufferSize = 32 * 1024
	// sniffSize bytes are read up-front for magic-type detection.
	sniffSize = 512

	genericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

	// cooldownThreshold is how many 429s on one item trigger a per-host
	// cooldown for the remainder of the job.
	cooldownThreshold = 3
)

// Item is one media file an adapter wants transferred.
type Item struct {
	Key       string
	URL       string
	Filename  string // optional hint; derived from the response when empty
	Site      string
	User      string
	Post      string
	Published time.Time
	SizeHint  int64 // -1 when unknown
	Seq       int   // 1-based position within the job
}

// Outcome classifies how FetchItem ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAlreadyDone
	OutcomeSkipped
	OutcomeFailed
	OutcomeFatal // non-retryable for the whole job (disk full)
	OutcomeCancelled
)

// Fetcher is the shared HTTP transfer loop used by every HTTP-based
// adapter. It strings together the politeness limiter, the retry policy,
// the bandwidth bucket, filters and atomic part-file writes.
type Fetcher struct {
	Logger    *slog.Logger
	Limiter   *limiter.DomainLimiter
	Bandwidth *limiter.Bandwidth

	mu      sync.Mutex
	clients map[string]*http.Client
	bufPool sync.Pool
}

func NewFetcher(logger *slog.Logger, dl *limiter.DomainLimiter, bw *limiter.Bandwidth) *Fetcher {
	return &Fetcher{
		Logger:    logger,
		Limiter:   dl,
		Bandwidth: bw,
		clients:   make(map[string]*http.Client),
		bufPool: sync.Pool{
			New: func() any {
				b := make([]byte, bufferSize)
				return &b
			},
		},
	}
}

// client returns a pooled HTTP client for the job's proxy/timeout settings.
func (f *Fetcher) client(opts options.Options) *http.Client {
	key := fmt.Sprintf("%s|%d|%d", opts.ProxyURL, opts.ConnectTimeoutS, opts.ReadTimeoutS)
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout(), KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: opts.ReadTimeout(),
		DisableCompression:    true, // raw bytes; sizes must match Content-Length
	}
	if opts.ProxyURL != "" {
		if proxyURL, err := url.Parse(opts.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	c := &http.Client{
		Transport: transport,
		Timeout:   0, // per-request contexts and header timeouts govern
	}
	f.clients[key] = c
	return c
}

func (f *Fetcher) newRequest(cancel *Token, urlStr string, opts options.Options, rangeFrom int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(cancel.Context(), http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = genericUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "*/*")
	if rangeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeFrom))
	}
	return req, nil
}

// FetchItem transfers one item end to end. It emits ItemStart/ItemProgress
// and the terminal reporter calls itself; callers only aggregate outcomes.
func (f *Fetcher) FetchItem(opts options.Options, item Item, cancel *Token, rep Reporter, fs *filesystem.Adapter) (Outcome, error) {
	if rep.Completed(item.Key) {
		// Finished in a previous run; resume silently, no recount.
		return OutcomeAlreadyDone, nil
	}
	if cancel.IsCancelled() {
		return OutcomeCancelled, ErrCancelled
	}

	if outcome, reason := f.preFilter(opts, item); outcome == OutcomeSkipped {
		rep.ItemSkip(item.Key, reason)
		return OutcomeSkipped, nil
	}

	policy := retry.FromOptions(opts)
	throttler := NewThrottler(rep, item.Key)

	// A job-level cap layers under the daemon-wide bucket; both must admit
	// a chunk before it is written.
	var jobBW *limiter.Bandwidth
	if opts.BandwidthLimitKBps > 0 {
		jobBW = limiter.NewBandwidth()
		jobBW.SetLimitKBps(opts.BandwidthLimitKBps)
	}

	var (
		finalPath string
		part      *filesystem.PartFile
		offset    int64
		started   bool
		hits429   int
	)
	defer func() {
		// Cancellation deletes partials; transient exits keep them for
		// ranged resume via Abandon inside the loop.
		if part != nil && cancel.IsCancelled() {
			part.Discard()
		}
	}()

	for attempt := 1; ; attempt++ {
		outcome, retryCause, err := f.attempt(opts, item, cancel, rep, fs, throttler, jobBW, &finalPath, &part, &offset, &started, &hits429)
		if retryCause == nil {
			return outcome, err
		}

		decision := policy.Decide(attempt, *retryCause)
		if !decision.Retry {
			if part != nil {
				part.Discard()
				part = nil
			}
			failErr := err
			if failErr == nil {
				failErr = causeError(*retryCause)
			}
			if started {
				throttler.Finalize()
			}
			rep.ItemFail(item.Key, fmt.Errorf("%s: %w (after %d attempts)", item.Key, failErr, attempt))
			return OutcomeFailed, failErr
		}
		f.Logger.Debug("retrying item", "item", item.Key, "attempt", attempt, "delay", decision.Delay)
		if cancel.Wait(decision.Delay) {
			return OutcomeCancelled, ErrCancelled
		}
	}
}

// preFilter applies the cheap, pre-network filters.
func (f *Fetcher) preFilter(opts options.Options, item Item) (Outcome, string) {
	name := item.Filename
	if name == "" {
		if u, err := url.Parse(item.URL); err == nil {
			name = path.Base(u.Path)
		}
	}
	if ext := path.Ext(name); ext != "" {
		if opts.ExtensionExcluded(name) {
			return OutcomeSkipped, fmt.Sprintf("extension %s excluded", strings.ToLower(ext))
		}
		if kind := options.KindForExtension(ext); !opts.WantsKind(kind) {
			return OutcomeSkipped, fmt.Sprintf("file type filtered (%s)", strings.TrimPrefix(strings.ToLower(ext), "."))
		}
	}
	if !opts.DateAllowed(item.Published) {
		return OutcomeSkipped, "outside date window"
	}
	if item.SizeHint > 0 && !opts.SizeAllowed(item.SizeHint) {
		return OutcomeSkipped, fmt.Sprintf("size %d outside configured bounds", item.SizeHint)
	}
	return OutcomeCompleted, ""
}

// attempt performs one acquire-request-transfer pass. A non-nil retryCause
// means the caller should consult the retry policy; otherwise outcome/err
// are final.
func (f *Fetcher) attempt(
	opts options.Options, item Item, cancel *Token, rep Reporter, fs *filesystem.Adapter,
	throttler *Throttler, jobBW *limiter.Bandwidth, finalPath *string,
	part **filesystem.PartFile, offset *int64, started *bool, hits429 *int,
) (Outcome, *retry.Cause, error) {
	host := hostOf(item.URL)

	release, err := f.Limiter.Acquire(cancel.Context(), host)
	if err != nil {
		return OutcomeCancelled, nil, ErrCancelled
	}
	defer release()

	req, err := f.newRequest(cancel, item.URL, opts, *offset)
	if err != nil {
		return OutcomeFailed, nil, f.fail(rep, item, *started, throttler, fmt.Errorf("bad request: %w", err))
	}

	resp, err := f.client(opts).Do(req)
	if err != nil {
		if cancel.IsCancelled() {
			return OutcomeCancelled, nil, ErrCancelled
		}
		return OutcomeFailed, &retry.Cause{Err: err}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		// proceed
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err := fmt.Errorf("%w (HTTP %d) — cookies may need refreshing", ErrAuth, resp.StatusCode)
		return OutcomeFailed, nil, f.fail(rep, item, *started, throttler, err)
	case resp.StatusCode == http.StatusNotFound:
		err := fmt.Errorf("%w (HTTP 404): %s", ErrNotFound, item.URL)
		return OutcomeFailed, nil, f.fail(rep, item, *started, throttler, err)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// Partial no longer valid; restart from scratch.
		if *part != nil {
			(*part).Discard()
			*part = nil
		}
		*offset = 0
		return OutcomeFailed, &retry.Cause{StatusCode: http.StatusServiceUnavailable}, fmt.Errorf("range not satisfiable")
	case resp.StatusCode == http.StatusTooManyRequests:
		*hits429++
		if *hits429 == cooldownThreshold {
			f.Limiter.Cooldown(host)
			f.Logger.Warn("excessive rate limiting, host cooled down", "host", host, "hits", *hits429)
		}
		cause := &retry.Cause{StatusCode: resp.StatusCode, RetryAfter: retry.ParseRetryAfter(resp.Header)}
		return OutcomeFailed, cause, fmt.Errorf("rate limited (HTTP 429)")
	default:
		cause := &retry.Cause{StatusCode: resp.StatusCode, RetryAfter: retry.ParseRetryAfter(resp.Header)}
		return OutcomeFailed, cause, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Server ignored our Range header: restart the partial from zero.
	if *offset > 0 && resp.StatusCode == http.StatusOK {
		if *part != nil {
			(*part).Discard()
			*part = nil
		}
		*offset = 0
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = *offset + resp.ContentLength
	}

	// Post-probe size filter: the server told us how big this is.
	if total >= 0 && !opts.SizeAllowed(total) {
		if *part != nil {
			(*part).Discard()
			*part = nil
		}
		rep.ItemSkip(item.Key, fmt.Sprintf("size %d outside configured bounds", total))
		return OutcomeSkipped, nil, nil
	}

	// Sniff leading bytes once for type filtering and extension repair.
	var sniff []byte
	body := io.Reader(resp.Body)
	if *offset == 0 {
		buf := make([]byte, sniffSize)
		n, rerr := io.ReadFull(resp.Body, buf)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			if cancel.IsCancelled() {
				return OutcomeCancelled, nil, ErrCancelled
			}
			return OutcomeFailed, &retry.Cause{Err: rerr}, rerr
		}
		sniff = buf[:n]
		body = io.MultiReader(strings.NewReader(string(sniff)), resp.Body)

		if ext := filesystem.SniffKindExtension(sniff); ext != "" {
			if kind := options.KindForExtension(ext); !opts.WantsKind(kind) {
				rep.ItemSkip(item.Key, fmt.Sprintf("file type filtered (%s)", ext))
				return OutcomeSkipped, nil, nil
			}
		}
	}

	// Pin the destination on the first successful response.
	if *finalPath == "" {
		name := item.Filename
		if name == "" {
			name = filesystem.DetermineFilename(item.URL, resp.Header, sniff)
		}
		vars := filesystem.TemplateVars{Site: item.Site, User: item.User, Post: item.Post, Published: item.Published}
		p, err := fs.TargetPath(opts.FolderTemplate, vars, name, opts.FileNamingMode, item.Seq, item.Key)
		if err != nil {
			return OutcomeFailed, nil, f.fail(rep, item, *started, throttler, err)
		}
		*finalPath = p
	}

	if err := filesystem.CheckSpace(*finalPath, total); err != nil {
		return OutcomeFatal, nil, f.fail(rep, item, *started, throttler, err)
	}

	if *part == nil {
		pf, existing, err := fs.OpenPart(*finalPath, *offset > 0)
		if err != nil {
			outcome := OutcomeFailed
			if errors.Is(err, filesystem.ErrDiskFull) {
				outcome = OutcomeFatal
			}
			return outcome, nil, f.fail(rep, item, *started, throttler, err)
		}
		if *offset > 0 && existing != *offset {
			// Partial changed underneath us; restart clean.
			pf.Discard()
			*offset = 0
			pf, _, err = fs.OpenPart(*finalPath, false)
			if err != nil {
				return OutcomeFailed, nil, f.fail(rep, item, *started, throttler, err)
			}
		}
		*part = pf
	}

	if !*started {
		rep.ItemStart(item.Key, item.URL, total)
		*started = true
	}

	outcome, cause, err := f.transfer(cancel, body, *part, jobBW, offset, total, throttler)
	if cause != nil {
		// Keep the partial for a ranged retry.
		(*part).Abandon()
		*part = nil
		return outcome, cause, err
	}
	if outcome != OutcomeCompleted {
		return outcome, nil, err
	}

	if err := (*part).Commit(total); err != nil {
		if errors.Is(err, filesystem.ErrDiskFull) {
			return OutcomeFatal, nil, f.fail(rep, item, *started, throttler, err)
		}
		if errors.Is(err, filesystem.ErrSizeMismatch) {
			(*part).Abandon()
			*part = nil
			return OutcomeFailed, &retry.Cause{Err: io.ErrUnexpectedEOF}, err
		}
		return OutcomeFailed, nil, f.fail(rep, item, *started, throttler, err)
	}
	*part = nil

	throttler.Finalize()
	rep.ItemDone(item.Key, *finalPath, *offset)
	return OutcomeCompleted, nil, nil
}

// transfer copies body into part, honoring bandwidth and cancellation.
func (f *Fetcher) transfer(
	cancel *Token, body io.Reader, part *filesystem.PartFile,
	jobBW *limiter.Bandwidth, offset *int64, total int64, throttler *Throttler,
) (Outcome, *retry.Cause, error) {
	bufPtr := f.bufPool.Get().(*[]byte)
	defer f.bufPool.Put(bufPtr)
	buf := *bufPtr

	for {
		if cancel.IsCancelled() {
			return OutcomeCancelled, nil, ErrCancelled
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			// Tokens are reserved for the bytes actually read; reserving
			// the full buffer up front over-bills short tail reads.
			if err := f.Bandwidth.Wait(cancel.Context(), n); err != nil {
				return OutcomeCancelled, nil, ErrCancelled
			}
			if jobBW != nil {
				if err := jobBW.Wait(cancel.Context(), n); err != nil {
					return OutcomeCancelled, nil, ErrCancelled
				}
			}
			if _, werr := part.Write(buf[:n]); werr != nil {
				if errors.Is(werr, filesystem.ErrDiskFull) {
					return OutcomeFatal, nil, werr
				}
				return OutcomeFailed, nil, werr
			}
			*offset += int64(n)
			throttler.Update(*offset, total)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return OutcomeCompleted, nil, nil
			}
			if cancel.IsCancelled() {
				return OutcomeCancelled, nil, ErrCancelled
			}
			return OutcomeFailed, &retry.Cause{Err: readErr}, readErr
		}
	}
}

// fail finalizes progress and reports a terminal item failure.
func (f *Fetcher) fail(rep Reporter, item Item, started bool, throttler *Throttler, err error) error {
	if started {
		throttler.Finalize()
	}
	rep.ItemFail(item.Key, fmt.Errorf("%s: %w", item.Key, err))
	return err
}

func causeError(c retry.Cause) error {
	if c.Err != nil {
		return c.Err
	}
	return fmt.Errorf("HTTP %d", c.StatusCode)
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

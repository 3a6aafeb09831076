package engines

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/primoscope/mediadl/internal/downloader"
	"github.com/primoscope/mediadl/internal/filesystem"
	"github.com/primoscope/mediadl/internal/options"
)

// ytdlpHosts are sites where yt-dlp is the known-good extractor, matched
// without probing.
var ytdlpHosts = map[string]struct{}{
	"youtube.com": {}, "youtu.be": {}, "vimeo.com": {}, "twitch.tv": {},
	"dailymotion.com": {}, "tiktok.com": {}, "soundcloud.com": {},
	"twitter.com": {}, "x.com": {}, "rumble.com": {}, "odysee.com": {},
	"bilibili.com": {}, "nicovideo.jp": {},
}

// videoPathHints make Probe guess that an unknown site hosts extractable
// video without spawning a process.
var videoPathHints = []string{"/watch", "/video/", "/videos/", "/v/", "/embed/", "/clip/", "/shorts/", "/live/"}

var (
	// [download]  45.3% of 3.33MiB at 512.34KiB/s ETA 00:12
	ytdlpProgressRe = regexp.MustCompile(`(?i)\[download\]\s+([0-9.]+)%(?:\s+of\s+~?\s*([0-9.]+\s?[KMGT]?i?B))?(?:\s+at\s+([0-9.]+\s?[KMGT]?i?B)/s)?(?:\s+ETA\s+([0-9:]+))?`)
	ytdlpDestRe     = regexp.MustCompile(`\[download\]\s+Destination:\s+(.+)`)
	ytdlpMergeRe    = regexp.MustCompile(`\[Merger\]\s+Merging formats into "(.+)"`)
	ytdlpAlreadyRe  = regexp.MustCompile(`\[download\]\s+(.+?)\s+has already been downloaded`)
	ytdlpErrorRe    = regexp.MustCompile(`(?i)^ERROR:\s*(.+)`)
)

// YtDlp is the universal video adapter backed by the yt-dlp binary.
type YtDlp struct {
	bin    string
	logger *slog.Logger
}

func NewYtDlp(logger *slog.Logger) *YtDlp {
	return &YtDlp{
		bin:    findBinary("yt-dlp", "yt-dlp.exe"),
		logger: logger,
	}
}

// Available reports whether the binary was found on PATH.
func (y *YtDlp) Available() bool { return y.bin != "" }

func (y *YtDlp) SiteName() string { return "ytdlp" }

func (y *YtDlp) CanHandle(rawurl string) bool {
	return y.Available() && hostIn(rawurl, ytdlpHosts)
}

// Probe guesses extractability for hosts outside the known set. Pure
// heuristic on the URL path, no process spawn.
func (y *YtDlp) Probe(rawurl string) bool {
	if !y.Available() {
		return false
	}
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" {
		return false
	}
	p := strings.ToLower(u.Path)
	for _, hint := range videoPathHints {
		if strings.Contains(p, hint) {
			return true
		}
	}
	return false
}

// buildYtDlpArgs assembles the command line for one job.
func buildYtDlpArgs(rawurl string, opts options.Options, outDir string) []string {
	args := []string{
		"--newline",
		"--no-playlist-reverse",
		"--no-part", // part handling is ours elsewhere; yt-dlp keeps its own temp scheme
		"-o", filepath.Join(outDir, "%(title)s [%(id)s].%(ext)s"),
	}
	if format := opts.EngineString("format"); format != "" {
		args = append(args, "-f", format)
	}
	if opts.ProxyURL != "" {
		args = append(args, "--proxy", opts.ProxyURL)
	}
	if opts.BandwidthLimitKBps > 0 {
		args = append(args, "--limit-rate", fmt.Sprintf("%dK", opts.BandwidthLimitKBps))
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent", opts.UserAgent)
	}
	if cookies := opts.EngineString("cookies_file"); cookies != "" {
		args = append(args, "--cookies", cookies)
	}
	if opts.MaxRetries > 0 {
		args = append(args, "--retries", strconv.Itoa(opts.MaxRetries))
	}
	if extra := opts.EngineString("extra_args"); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	args = append(args, rawurl)
	return args
}

func (y *YtDlp) Download(rawurl string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
	if !y.Available() {
		return nil, fmt.Errorf("yt-dlp binary not found on PATH")
	}

	parser := newYtdlpParser(report)
	args := buildYtDlpArgs(rawurl, opts, fs.Root())

	err := runCommand(cancel.Context(), y.logger, y.bin, args, parser.handleLine)
	result := parser.finish(err, cancel.IsCancelled())
	if result.Cancelled {
		return result, nil
	}
	if err != nil && result.TotalFiles == 0 {
		// Nothing even started; surface as a job-level failure.
		return nil, err
	}
	return result, nil
}

// ytdlpParser folds yt-dlp's line output into reporter calls. One item per
// destination file; progress lines apply to the current item.
type ytdlpParser struct {
	report downloader.Reporter

	currentKey   string
	currentPath  string
	currentTotal int64
	itemCount    int
	completed    int
	skippedOver  int // already-on-disk carry-overs, no events
	lastErr      string
	failed       []downloader.FileError
}

func newYtdlpParser(report downloader.Reporter) *ytdlpParser {
	return &ytdlpParser{report: report}
}

func (p *ytdlpParser) handleLine(line string) {
	if m := ytdlpDestRe.FindStringSubmatch(line); m != nil {
		p.openItem(strings.TrimSpace(m[1]))
		return
	}
	if m := ytdlpMergeRe.FindStringSubmatch(line); m != nil {
		// The merged container supersedes the last destination path.
		p.currentPath = strings.TrimSpace(m[1])
		return
	}
	if m := ytdlpAlreadyRe.FindStringSubmatch(line); m != nil {
		key := filepath.Base(strings.TrimSpace(m[1]))
		if p.report.Completed(key) {
			// Carried over from a previous run; no events, no recount.
			p.skippedOver++
			return
		}
		p.itemCount++
		p.report.SetTotalItems(p.itemCount)
		p.report.ItemStart(key, "", -1)
		p.report.ItemDone(key, strings.TrimSpace(m[1]), -1)
		p.completed++
		return
	}
	if m := ytdlpProgressRe.FindStringSubmatch(line); m != nil {
		p.progress(m)
		return
	}
	if m := ytdlpErrorRe.FindStringSubmatch(line); m != nil {
		p.lastErr = strings.TrimSpace(m[1])
		if p.currentKey != "" {
			p.failed = append(p.failed, downloader.FileError{ItemKey: p.currentKey, Error: p.lastErr})
			p.report.ItemFail(p.currentKey, fmt.Errorf("%s", p.lastErr))
			p.currentKey = ""
		}
	}
}

func (p *ytdlpParser) openItem(path string) {
	p.closeItem()
	key := filepath.Base(path)
	if p.report.Completed(key) {
		p.skippedOver++
		p.currentKey = ""
		return
	}
	p.currentKey = key
	p.currentPath = path
	p.currentTotal = -1
	p.itemCount++
	p.report.SetTotalItems(p.itemCount)
	p.report.ItemStart(key, "", -1)
}

// closeItem marks the in-flight item done; yt-dlp prints no explicit
// completion line, so the next destination (or EOF) closes the previous.
func (p *ytdlpParser) closeItem() {
	if p.currentKey == "" {
		return
	}
	p.report.ItemDone(p.currentKey, p.currentPath, p.currentTotal)
	p.completed++
	p.currentKey = ""
}

func (p *ytdlpParser) progress(m []string) {
	if p.currentKey == "" {
		return
	}
	percent, _ := strconv.ParseFloat(m[1], 64)

	total := int64(-1)
	if m[2] != "" {
		if b, err := humanize.ParseBytes(strings.ReplaceAll(m[2], " ", "")); err == nil {
			total = int64(b)
			p.currentTotal = total
		}
	}
	done := int64(percent * 100)
	if total > 0 {
		done = int64(percent / 100 * float64(total))
	}

	var speed float64
	if m[3] != "" {
		if b, err := humanize.ParseBytes(strings.ReplaceAll(m[3], " ", "")); err == nil {
			speed = float64(b)
		}
	}
	p.report.ItemProgress(p.currentKey, done, total, speed, parseClockETA(m[4]))
}

// finish closes any open item and assembles the job result.
func (p *ytdlpParser) finish(runErr error, cancelled bool) *downloader.Result {
	if cancelled {
		// In-flight item stays open; the engine resolves it to cancelled.
		p.currentKey = ""
	} else if runErr != nil && p.currentKey != "" {
		msg := p.lastErr
		if msg == "" {
			msg = runErr.Error()
		}
		p.failed = append(p.failed, downloader.FileError{ItemKey: p.currentKey, Error: msg})
		p.report.ItemFail(p.currentKey, fmt.Errorf("%s", msg))
		p.currentKey = ""
	} else {
		p.closeItem()
	}

	result := &downloader.Result{
		Cancelled:      cancelled,
		TotalFiles:     p.itemCount,
		CompletedFiles: p.completed,
		FailedFiles:    p.failed,
	}
	if runErr != nil && !cancelled && result.ErrorMessage == "" {
		if p.lastErr != "" {
			result.ErrorMessage = p.lastErr
		} else {
			result.ErrorMessage = runErr.Error()
		}
	}
	result.Finalize()
	if runErr != nil && !cancelled {
		result.Success = false
	}
	return result
}

// parseClockETA parses MM:SS or HH:MM:SS.
func parseClockETA(s string) time.Duration {
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

func hostIn(rawurl string, set map[string]struct{}) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if _, ok := set[host]; ok {
		return true
	}
	// Match one subdomain level (clips.twitch.tv, m.youtube.com).
	if i := strings.Index(host, "."); i > 0 {
		if _, ok := set[host[i+1:]]; ok {
			return true
		}
	}
	return false
}

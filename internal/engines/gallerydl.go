package engines

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/primoscope/mediadl/internal/downloader"
	"github.com/primoscope/mediadl/internal/filesystem"
	"github.com/primoscope/mediadl/internal/options"
)

// gallerydlHosts are the creator-gallery sites handed straight to
// gallery-dl, ahead of the yt-dlp tier.
var gallerydlHosts = map[string]struct{}{
	"kemono.cr": {}, "kemono.su": {}, "kemono.party": {},
	"coomer.st": {}, "coomer.su": {}, "coomer.party": {},
	"bunkr.si": {}, "bunkr.fi": {}, "erome.com": {}, "fapello.com": {},
	"e-hentai.org": {}, "exhentai.org": {}, "nhentai.net": {},
	"danbooru.donmai.us": {}, "gelbooru.com": {}, "rule34.xxx": {},
	"pixiv.net": {}, "fanbox.cc": {}, "imgur.com": {}, "redgifs.com": {},
	"fansly.com": {}, "imagefap.com": {},
}

// GalleryDl wraps the gallery-dl binary for image-gallery and creator sites.
// gallery-dl prints one line per file: the path when written, "# path" when
// the file already exists.
type GalleryDl struct {
	bin    string
	logger *slog.Logger
}

func NewGalleryDl(logger *slog.Logger) *GalleryDl {
	return &GalleryDl{
		bin:    findBinary("gallery-dl", "gallery-dl.exe"),
		logger: logger,
	}
}

func (g *GalleryDl) Available() bool { return g.bin != "" }

func (g *GalleryDl) SiteName() string { return "gallery" }

func (g *GalleryDl) CanHandle(rawurl string) bool {
	return g.Available() && hostIn(rawurl, gallerydlHosts)
}

func buildGalleryDlArgs(rawurl string, opts options.Options, outDir string) []string {
	args := []string{"-d", outDir}
	if opts.ProxyURL != "" {
		args = append(args, "--proxy", opts.ProxyURL)
	}
	if opts.BandwidthLimitKBps > 0 {
		args = append(args, "-r", fmt.Sprintf("%dk", opts.BandwidthLimitKBps))
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
	if rng := opts.EngineString("range"); rng != "" {
		args = append(args, "--range", rng)
	}
	if extra := opts.EngineString("extra_args"); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	args = append(args, rawurl)
	return args
}

func (g *GalleryDl) Download(rawurl string, opts options.Options, cancel *downloader.Token, report downloader.Reporter, fs *filesystem.Adapter) (*downloader.Result, error) {
	if !g.Available() {
		return nil, fmt.Errorf("gallery-dl binary not found on PATH")
	}

	parser := newGallerydlParser(report, fs.Root(), opts)
	args := buildGalleryDlArgs(rawurl, opts, fs.Root())

	err := runCommand(cancel.Context(), g.logger, g.bin, args, parser.handleLine)
	result := parser.finish(err, cancel.IsCancelled())
	if result.Cancelled {
		return result, nil
	}
	if err != nil && result.TotalFiles == 0 {
		return nil, err
	}
	return result, nil
}

// gallerydlParser folds gallery-dl's path-per-line output into reporter
// calls. Each written path is one item that starts and finishes in the same
// line; there is no per-file byte progress.
type gallerydlParser struct {
	report downloader.Reporter
	root   string
	opts   options.Options

	itemCount   int
	completed   int
	skipped     []string
	skippedOver int
	lastErr     string
	failed      []downloader.FileError
}

func newGallerydlParser(report downloader.Reporter, root string, opts options.Options) *gallerydlParser {
	return &gallerydlParser{report: report, root: root, opts: opts}
}

func (p *gallerydlParser) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if m := ytdlpErrorRe.FindStringSubmatch(line); m != nil {
		p.lastErr = strings.TrimSpace(m[1])
		return
	}
	if strings.HasPrefix(line, "[") {
		// Log chatter ([warning], [info] ...), not a path.
		return
	}

	// "# path" marks a file gallery-dl found already on disk; it still
	// counts as a completed item.
	path := strings.TrimPrefix(line, "# ")
	key := p.keyFor(path)

	if p.report.Completed(key) {
		// Finished in a previous run; silent carry-over.
		p.skippedOver++
		return
	}
	if p.opts.ExtensionExcluded(path) {
		p.itemCount++
		p.report.SetTotalItems(p.itemCount)
		p.report.ItemSkip(key, fmt.Sprintf("extension %s excluded", strings.TrimPrefix(filepath.Ext(path), ".")))
		p.completed++
		p.skipped = append(p.skipped, key)
		return
	}

	p.itemCount++
	p.report.SetTotalItems(p.itemCount)
	p.report.ItemStart(key, "", -1)
	p.report.ItemDone(key, path, -1)
	p.completed++
}

// keyFor keeps item keys stable across runs: path relative to the output
// root when possible.
func (p *gallerydlParser) keyFor(path string) string {
	if rel, err := filepath.Rel(p.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}

func (p *gallerydlParser) finish(runErr error, cancelled bool) *downloader.Result {
	result := &downloader.Result{
		Cancelled:      cancelled,
		TotalFiles:     p.itemCount,
		CompletedFiles: p.completed,
		FailedFiles:    p.failed,
		SkippedFiles:   p.skipped,
	}
	if runErr != nil && !cancelled {
		msg := p.lastErr
		if msg == "" {
			msg = runErr.Error()
		}
		result.ErrorMessage = msg
		result.FailedFiles = append(result.FailedFiles, downloader.FileError{ItemKey: "gallery-dl", Error: msg})
	}
	result.Finalize()
	return result
}

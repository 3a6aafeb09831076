package downloader

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/primoscope/mediadl/internal/filesystem"
	"github.com/primoscope/mediadl/internal/options"
)

// mediaExtensions is what the generic scraper considers worth collecting
// from a page it knows nothing about.
var mediaExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".bmp": {},
	".mp4": {}, ".webm": {}, ".mkv": {}, ".mov": {}, ".avi": {}, ".m4v": {},
	".mp3": {}, ".m4a": {}, ".flac": {}, ".ogg": {}, ".opus": {}, ".wav": {},
	".zip": {}, ".rar": {}, ".7z": {}, ".pdf": {},
}

// GenericAdapter is the last-resort scraper: it downloads the page, walks
// the DOM for anchors and media elements, and fetches whatever looks like a
// media file. Best effort by design.
type GenericAdapter struct {
	fetcher *Fetcher
}

func NewGenericAdapter(fetcher *Fetcher) *GenericAdapter {
	return &GenericAdapter{fetcher: fetcher}
}

func (g *GenericAdapter) SiteName() string { return "generic" }

// CanHandle accepts any http(s) URL; direct file links included.
func (g *GenericAdapter) CanHandle(rawurl string) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (g *GenericAdapter) Download(rawurl string, opts options.Options, cancel *Token, report Reporter, fs *filesystem.Adapter) (*Result, error) {
	result := &Result{}

	pageURL, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	var items []Item
	if looksLikeFile(pageURL) {
		// A direct link: single-item job, no page fetch.
		items = []Item{g.itemFor(pageURL, pageURL, 1)}
	} else {
		links, err := g.scrapePage(pageURL, opts, cancel)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				result.Cancelled = true
				result.Finalize()
				return result, nil
			}
			return nil, err
		}
		if len(links) == 0 {
			return nil, fmt.Errorf("no media found on page %s", rawurl)
		}
		for i, link := range links {
			items = append(items, g.itemFor(pageURL, link, i+1))
		}
	}

	result.TotalFiles = len(items)
	report.SetTotalItems(len(items))

	for _, item := range items {
		if cancel.IsCancelled() {
			result.Cancelled = true
			break
		}
		outcome, ferr := g.fetcher.FetchItem(opts, item, cancel, report, fs)
		switch outcome {
		case OutcomeCompleted, OutcomeAlreadyDone:
			result.CompletedFiles++
		case OutcomeSkipped:
			result.CompletedFiles++
			result.SkippedFiles = append(result.SkippedFiles, item.Key)
		case OutcomeFailed:
			result.FailedFiles = append(result.FailedFiles, FileError{ItemKey: item.Key, Error: ferr.Error()})
		case OutcomeFatal:
			result.FailedFiles = append(result.FailedFiles, FileError{ItemKey: item.Key, Error: ferr.Error()})
			result.ErrorMessage = ferr.Error()
			result.Finalize()
			return result, ferr
		case OutcomeCancelled:
			result.Cancelled = true
		}
		if result.Cancelled {
			break
		}
	}

	result.Finalize()
	return result, nil
}

func (g *GenericAdapter) itemFor(page, media *url.URL, seq int) Item {
	return Item{
		Key:      media.String(),
		URL:      media.String(),
		Filename: path.Base(media.Path),
		Site:     page.Hostname(),
		Post:     strings.Trim(page.Path, "/"),
		SizeHint: -1,
		Seq:      seq,
	}
}

// scrapePage fetches the HTML once and collects candidate media URLs in
// document order, deduplicated.
func (g *GenericAdapter) scrapePage(pageURL *url.URL, opts options.Options, cancel *Token) ([]*url.URL, error) {
	req, err := g.fetcher.newRequest(cancel, pageURL.String(), opts, 0)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := g.fetcher.client(opts).Do(req)
	if err != nil {
		if cancel.IsCancelled() {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("page fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w (HTTP %d) fetching page", ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("page fetch returned HTTP %d", resp.StatusCode)
	}

	return extractMediaLinks(pageURL, io.LimitReader(resp.Body, 8<<20))
}

// extractMediaLinks walks the DOM collecting hrefs and media element sources
// that resolve to media-looking absolute URLs.
func extractMediaLinks(base *url.URL, body io.Reader) ([]*url.URL, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	var found []*url.URL
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			var candidates []string
			switch n.Data {
			case "a":
				candidates = append(candidates, attr(n, "href"))
			case "img":
				candidates = append(candidates, attr(n, "src"), attr(n, "data-src"))
			case "video", "audio", "source":
				candidates = append(candidates, attr(n, "src"))
			}
			for _, c := range candidates {
				if c == "" {
					continue
				}
				u, err := base.Parse(c)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
					continue
				}
				if !looksLikeFile(u) {
					continue
				}
				u.Fragment = ""
				key := u.String()
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				found = append(found, u)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found, nil
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func looksLikeFile(u *url.URL) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	_, ok := mediaExtensions[ext]
	return ok
}

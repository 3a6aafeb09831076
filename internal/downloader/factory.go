package downloader

import (
	"fmt"
	"sync"
)

// Prober is implemented by tier-2/3 adapters that can cheaply judge whether
// a URL is extractable by their backing engine (no network, or at most one
// light probe).
type Prober interface {
	Probe(url string) bool
}

// Factory resolves URLs to adapters with the 4-tier fallback: registered
// native adapters, the gallery engine, the universal video engine, then the
// generic HTML scraper. Ties within the native tier break by registration
// order.
type Factory struct {
	mu      sync.RWMutex
	native  []Adapter
	gallery Adapter
	univ    Adapter
	generic Adapter
}

func NewFactory() *Factory {
	return &Factory{}
}

// Register adds a native adapter. Order matters.
func (f *Factory) Register(a Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native = append(f.native, a)
}

// SetGallery installs the gallery-engine wrapper (tier 2).
func (f *Factory) SetGallery(a Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gallery = a
}

// SetUniversal installs the universal video-engine wrapper (tier 3).
func (f *Factory) SetUniversal(a Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.univ = a
}

// SetGeneric installs the fallback HTML scraper (tier 4).
func (f *Factory) SetGeneric(a Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generic = a
}

// Resolve picks the adapter for a URL and its engine tag. fellThrough is
// true when only the generic tier matched, so callers can warn. The error
// is non-nil only when not even a generic adapter is installed.
func (f *Factory) Resolve(url string) (adapter Adapter, engineTag string, fellThrough bool, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, a := range f.native {
		if a.CanHandle(url) {
			return a, EnginePrefix + a.SiteName(), false, nil
		}
	}
	if f.gallery != nil && f.gallery.CanHandle(url) {
		return f.gallery, EngineGallery, false, nil
	}
	if f.univ != nil {
		ok := f.univ.CanHandle(url)
		if !ok {
			if p, isProber := f.univ.(Prober); isProber {
				ok = p.Probe(url)
			}
		}
		if ok {
			return f.univ, EngineYtDlp, false, nil
		}
	}
	if f.generic != nil && f.generic.CanHandle(url) {
		return f.generic, EngineGeneric, true, nil
	}
	return nil, "", false, fmt.Errorf("%w: %s", ErrNoResolver, url)
}

// Peek returns the tentative engine tag for JOB_ADDED without committing to
// an adapter instance.
func (f *Factory) Peek(url string) string {
	_, tag, _, err := f.Resolve(url)
	if err != nil {
		return ""
	}
	return tag
}

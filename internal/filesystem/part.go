package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// ErrSizeMismatch is returned by Commit when the .part file does not match
// the expected size. The partial is kept for a later ranged resume.
var ErrSizeMismatch = errors.New("downloaded size does not match expected size")

type partRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newPartRegistry() *partRegistry {
	return &partRegistry{paths: make(map[string]struct{})}
}

func (r *partRegistry) add(path string) {
	r.mu.Lock()
	r.paths[path] = struct{}{}
	r.mu.Unlock()
}

func (r *partRegistry) remove(path string) {
	r.mu.Lock()
	delete(r.paths, path)
	r.mu.Unlock()
}

func (r *partRegistry) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.paths))
	for p := range r.paths {
		out = append(out, p)
	}
	return out
}

// PartFile is an in-progress download at <final>.part. Data is appended and
// the file is renamed into place only on Commit.
type PartFile struct {
	f     *os.File
	path  string
	final string
	reg   *partRegistry
	done  bool
}

// OpenPart opens (or resumes) the .part sibling of final and returns the
// current resume offset. resume=false truncates any existing partial.
func (a *Adapter) OpenPart(final string, resume bool) (*PartFile, int64, error) {
	path := final + PartSuffix
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !resume {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, 0, classifyDiskErr(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	a.parts.add(path)
	return &PartFile{f: f, path: path, final: final, reg: a.parts}, info.Size(), nil
}

func (p *PartFile) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	if err != nil {
		err = classifyDiskErr(err)
	}
	return n, err
}

// Commit closes the partial, verifies its size when expected >= 0 and
// renames it to the final path.
func (p *PartFile) Commit(expected int64) error {
	if err := p.f.Close(); err != nil {
		return classifyDiskErr(err)
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return err
	}
	if expected >= 0 && info.Size() != expected {
		return fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, info.Size(), expected)
	}
	if err := os.Rename(p.path, p.final); err != nil {
		return classifyDiskErr(err)
	}
	p.reg.remove(p.path)
	p.done = true
	return nil
}

// Discard closes and deletes the partial. Safe after a failed Commit.
func (p *PartFile) Discard() {
	if p.done {
		return
	}
	p.f.Close()
	os.Remove(p.path)
	p.reg.remove(p.path)
	p.done = true
}

// Abandon closes the partial but keeps the file on disk for a later resume.
// The path stays registered so a cancellation sweep still removes it if the
// resume never happens.
func (p *PartFile) Abandon() {
	if p.done {
		return
	}
	p.f.Close()
	p.done = true
}

// Path returns the on-disk .part path.
func (p *PartFile) Path() string { return p.path }

// CleanupParts deletes any .part files still registered with this adapter
// and returns the paths it removed. Called by the engine after cancellation
// to catch stragglers an adapter failed to clean up.
func (a *Adapter) CleanupParts() []string {
	var removed []string
	for _, path := range a.parts.snapshot() {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			removed = append(removed, path)
			a.parts.remove(path)
		}
	}
	return removed
}

// SweepParts removes every .part file under dir. Used on startup against a
// recovered job's output folder.
func SweepParts(dir string) []string {
	var removed []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && filepath.Ext(path) == PartSuffix {
			if os.Remove(path) == nil {
				removed = append(removed, path)
			}
		}
		return nil
	})
	return removed
}

func classifyDiskErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	return err
}

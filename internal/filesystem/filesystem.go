// Package filesystem owns everything the engine does to disk: destination
// path construction (sanitization, folder templates, naming modes), atomic
// .part writes with ranged resume, and disk-space preflight.
package filesystem

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/primoscope/mediadl/internal/options"
)

// PartSuffix marks in-progress downloads next to their final path.
const PartSuffix = ".part"

// ErrUnsafePath is returned when template expansion escapes the output root.
var ErrUnsafePath = errors.New("path escapes output folder")

const maxFilenameLen = 200

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeFilename replaces characters unsafe on common filesystems and
// truncates to 200 characters preserving the extension. Idempotent.
func SanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 20 {
			// Absurd "extension"; treat as plain name.
			ext = ""
		}
		base := strings.TrimSpace(name[:maxFilenameLen-len(ext)])
		name = base + ext
	}
	return name
}

// TemplateVars are the placeholders recognized by folder templates.
type TemplateVars struct {
	Site      string
	User      string
	Post      string
	Published time.Time
}

var datePlaceholder = regexp.MustCompile(`\{date:([^}]+)\}`)

// RenderTemplate expands {site}, {user}, {post} and {date:YYYY-MM-DD} into a
// relative directory path. Each expanded segment is sanitized; the result
// must stay inside the output folder.
func RenderTemplate(tmpl string, vars TemplateVars) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	out := tmpl
	out = strings.ReplaceAll(out, "{site}", SanitizeFilename(vars.Site))
	out = strings.ReplaceAll(out, "{user}", SanitizeFilename(vars.User))
	out = strings.ReplaceAll(out, "{post}", SanitizeFilename(vars.Post))
	out = datePlaceholder.ReplaceAllStringFunc(out, func(m string) string {
		layout := datePlaceholder.FindStringSubmatch(m)[1]
		layout = strings.NewReplacer("YYYY", "2006", "MM", "01", "DD", "02").Replace(layout)
		if vars.Published.IsZero() {
			return "unknown"
		}
		return vars.Published.Format(layout)
	})

	out = filepath.ToSlash(filepath.Clean(out))
	if out == "." {
		return "", nil
	}
	if strings.HasPrefix(out, "..") || filepath.IsAbs(out) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, tmpl)
	}
	return filepath.FromSlash(out), nil
}

// ApplyNamingMode rewrites a sanitized filename per the job's naming mode.
// seq is the 1-based item sequence; key feeds the HASH mode.
func ApplyNamingMode(name string, mode options.NamingMode, seq int, key string) string {
	ext := filepath.Ext(name)
	switch mode {
	case options.NamingNumbered:
		return fmt.Sprintf("%04d%s", seq, ext)
	case options.NamingTimestamped:
		return fmt.Sprintf("%s_%s", time.Now().Format("20060102-150405"), name)
	case options.NamingHash:
		sum := sha1.Sum([]byte(key))
		return hex.EncodeToString(sum[:]) + ext
	default:
		return name
	}
}

// Adapter is a per-job view of the filesystem rooted at the job's output
// folder. It tracks the .part files it hands out so the engine can sweep
// stragglers after cancellation.
type Adapter struct {
	root  string
	parts *partRegistry
}

func NewAdapter(outputFolder string) *Adapter {
	return &Adapter{root: outputFolder, parts: newPartRegistry()}
}

// Root returns the job's output folder.
func (a *Adapter) Root() string { return a.root }

// TargetPath builds the final destination for an item: template-derived
// subfolder + sanitized, naming-mode-adjusted filename, with a numeric
// suffix on collision. Missing directories are created.
func (a *Adapter) TargetPath(tmpl string, vars TemplateVars, filename string, mode options.NamingMode, seq int, key string) (string, error) {
	sub, err := RenderTemplate(tmpl, vars)
	if err != nil {
		return "", err
	}
	dir := a.root
	if sub != "" {
		dir = filepath.Join(a.root, sub)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	name := ApplyNamingMode(SanitizeFilename(filename), mode, seq, key)
	return uniquePath(filepath.Join(dir, name)), nil
}

// uniquePath appends " (n)" before the extension until neither the path nor
// its .part sibling exists.
func uniquePath(path string) string {
	if !exists(path) && !exists(path+PartSuffix) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i < 1000; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if !exists(candidate) && !exists(candidate+PartSuffix) {
			return candidate
		}
	}
	return fmt.Sprintf("%s_%d%s", stem, time.Now().UnixNano(), ext)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package options defines the per-job download option surface. Options are
// snapshotted at enqueue time, persisted as JSON alongside the job, and
// treated as immutable by workers.
package options

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// NamingMode selects how destination filenames are produced.
type NamingMode string

const (
	NamingOriginal    NamingMode = "ORIGINAL"
	NamingNumbered    NamingMode = "NUMBERED"
	NamingTimestamped NamingMode = "TIMESTAMPED"
	NamingHash        NamingMode = "HASH"
)

// Options is the full recognized option set. Zero values mean "use default";
// Normalize fills defaults and clamps out-of-range values.
type Options struct {
	IncludeImages   *bool `json:"include_images,omitempty"`
	IncludeVideos   *bool `json:"include_videos,omitempty"`
	IncludeDocs     *bool `json:"include_docs,omitempty"`
	IncludeArchives *bool `json:"include_archives,omitempty"`

	MinSizeBytes int64 `json:"min_size_bytes,omitempty"`
	MaxSizeBytes int64 `json:"max_size_bytes,omitempty"`

	// Inclusive YYYY-MM-DD window on post publication; empty = unbounded.
	DateFrom string `json:"date_from,omitempty"`
	DateTo   string `json:"date_to,omitempty"`

	ExcludedExtensions []string `json:"excluded_extensions,omitempty"`

	ProxyURL           string `json:"proxy_url,omitempty"`
	BandwidthLimitKBps int    `json:"bandwidth_limit_kbps,omitempty"`
	ConnectTimeoutS    int    `json:"connection_timeout_s,omitempty"`
	ReadTimeoutS       int    `json:"read_timeout_s,omitempty"`
	UserAgent          string `json:"user_agent,omitempty"`

	MaxRetries      int     `json:"max_retries,omitempty"`
	RetryBaseDelayS float64 `json:"retry_base_delay_s,omitempty"`
	RetryMaxDelayS  float64 `json:"retry_max_delay_s,omitempty"`

	FolderTemplate string     `json:"folder_template,omitempty"`
	FileNamingMode NamingMode `json:"file_naming_mode,omitempty"`

	// Opaque sub-record handed to the resolved adapter (e.g. yt-dlp format).
	EngineSpecific map[string]any `json:"engine_specific,omitempty"`
}

const (
	DefaultConnectTimeoutS = 20
	DefaultReadTimeoutS    = 60
	DefaultMaxRetries      = 5
	DefaultRetryBaseS      = 1.0
	DefaultRetryMaxS       = 30.0
)

// Defaults returns the effective options for an empty request.
func Defaults() Options {
	var o Options
	o.Normalize()
	return o
}

func boolPtr(b bool) *bool { return &b }

// Normalize fills defaults and clamps out-of-range values in place,
// returning one human-readable warning per clamped field.
func (o *Options) Normalize() []string {
	var warnings []string
	clampI64 := func(name string, v *int64) {
		if *v < 0 {
			warnings = append(warnings, fmt.Sprintf("%s: negative value %d clamped to 0", name, *v))
			*v = 0
		}
	}
	clampInt := func(name string, v *int) {
		if *v < 0 {
			warnings = append(warnings, fmt.Sprintf("%s: negative value %d clamped to 0", name, *v))
			*v = 0
		}
	}

	if o.IncludeImages == nil {
		o.IncludeImages = boolPtr(true)
	}
	if o.IncludeVideos == nil {
		o.IncludeVideos = boolPtr(true)
	}
	if o.IncludeDocs == nil {
		o.IncludeDocs = boolPtr(true)
	}
	if o.IncludeArchives == nil {
		o.IncludeArchives = boolPtr(true)
	}

	clampI64("min_size_bytes", &o.MinSizeBytes)
	clampI64("max_size_bytes", &o.MaxSizeBytes)
	clampInt("bandwidth_limit_kbps", &o.BandwidthLimitKBps)
	clampInt("connection_timeout_s", &o.ConnectTimeoutS)
	clampInt("read_timeout_s", &o.ReadTimeoutS)
	clampInt("max_retries", &o.MaxRetries)

	if o.ConnectTimeoutS == 0 {
		o.ConnectTimeoutS = DefaultConnectTimeoutS
	}
	if o.ReadTimeoutS == 0 {
		o.ReadTimeoutS = DefaultReadTimeoutS
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBaseDelayS <= 0 {
		if o.RetryBaseDelayS < 0 {
			warnings = append(warnings, fmt.Sprintf("retry_base_delay_s: negative value %g reset to default", o.RetryBaseDelayS))
		}
		o.RetryBaseDelayS = DefaultRetryBaseS
	}
	if o.RetryMaxDelayS <= 0 {
		if o.RetryMaxDelayS < 0 {
			warnings = append(warnings, fmt.Sprintf("retry_max_delay_s: negative value %g reset to default", o.RetryMaxDelayS))
		}
		o.RetryMaxDelayS = DefaultRetryMaxS
	}

	for _, d := range []struct {
		name  string
		value *string
	}{{"date_from", &o.DateFrom}, {"date_to", &o.DateTo}} {
		if *d.value == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", *d.value); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: invalid date %q ignored", d.name, *d.value))
			*d.value = ""
		}
	}

	for i, ext := range o.ExcludedExtensions {
		o.ExcludedExtensions[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
	}

	switch o.FileNamingMode {
	case "", NamingOriginal:
		o.FileNamingMode = NamingOriginal
	case NamingNumbered, NamingTimestamped, NamingHash:
	default:
		warnings = append(warnings, fmt.Sprintf("file_naming_mode: unknown mode %q reset to ORIGINAL", o.FileNamingMode))
		o.FileNamingMode = NamingOriginal
	}

	return warnings
}

// Decode parses persisted options JSON. Unknown keys are ignored, missing
// keys defaulted, out-of-range values clamped with warnings.
func Decode(data []byte) (Options, []string, error) {
	var o Options
	if len(data) > 0 {
		if err := json.Unmarshal(data, &o); err != nil {
			return Defaults(), nil, fmt.Errorf("decode options: %w", err)
		}
	}
	warnings := o.Normalize()
	return o, warnings, nil
}

// DecodeStrict parses options at the API boundary, rejecting unknown keys.
func DecodeStrict(data []byte) (Options, []string, error) {
	var o Options
	if len(data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return Options{}, nil, fmt.Errorf("decode options: %w", err)
		}
	}
	warnings := o.Normalize()
	return o, warnings, nil
}

// Encode serializes the options for persistence.
func (o Options) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// FileKind is a coarse media classification used by the include_* filters.
type FileKind int

const (
	KindOther FileKind = iota
	KindImage
	KindVideo
	KindDoc
	KindArchive
)

// KindForExtension classifies by lowercase extension (no leading dot).
func KindForExtension(ext string) FileKind {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg", "png", "gif", "webp", "bmp", "svg", "heic", "avif":
		return KindImage
	case "mp4", "mkv", "mov", "avi", "webm", "wmv", "m4v", "ts", "flv":
		return KindVideo
	case "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "md", "epub":
		return KindDoc
	case "zip", "rar", "7z", "tar", "gz", "bz2", "xz", "iso":
		return KindArchive
	}
	return KindOther
}

// WantsKind reports whether the type filters admit the given kind.
// Unclassified files are always admitted.
func (o Options) WantsKind(k FileKind) bool {
	switch k {
	case KindImage:
		return o.IncludeImages == nil || *o.IncludeImages
	case KindVideo:
		return o.IncludeVideos == nil || *o.IncludeVideos
	case KindDoc:
		return o.IncludeDocs == nil || *o.IncludeDocs
	case KindArchive:
		return o.IncludeArchives == nil || *o.IncludeArchives
	}
	return true
}

// ExtensionExcluded reports whether a filename's extension is excluded.
func (o Options) ExtensionExcluded(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return false
	}
	for _, e := range o.ExcludedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// SizeAllowed applies the min/max size window; zero bounds are unbounded and
// an unknown size (<0) always passes.
func (o Options) SizeAllowed(size int64) bool {
	if size < 0 {
		return true
	}
	if o.MinSizeBytes > 0 && size < o.MinSizeBytes {
		return false
	}
	if o.MaxSizeBytes > 0 && size > o.MaxSizeBytes {
		return false
	}
	return true
}

// DateAllowed applies the inclusive publication-date window. A zero time
// always passes (publication date unknown).
func (o Options) DateAllowed(published time.Time) bool {
	if published.IsZero() {
		return true
	}
	day := published.Truncate(24 * time.Hour)
	if o.DateFrom != "" {
		from, _ := time.Parse("2006-01-02", o.DateFrom)
		if day.Before(from) {
			return false
		}
	}
	if o.DateTo != "" {
		to, _ := time.Parse("2006-01-02", o.DateTo)
		if day.After(to) {
			return false
		}
	}
	return true
}

// ConnectTimeout and ReadTimeout as durations.
func (o Options) ConnectTimeout() time.Duration {
	return time.Duration(o.ConnectTimeoutS) * time.Second
}

func (o Options) ReadTimeout() time.Duration {
	return time.Duration(o.ReadTimeoutS) * time.Second
}

// EngineString fetches a string from the engine_specific sub-record.
func (o Options) EngineString(key string) string {
	if o.EngineSpecific == nil {
		return ""
	}
	if v, ok := o.EngineSpecific[key].(string); ok {
		return v
	}
	return ""
}

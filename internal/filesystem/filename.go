package filesystem

import (
	"net/http"
	"net/url"
	"path"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

// DetermineFilename picks a destination filename for a media URL using, in
// order: the Content-Disposition header, well-known query parameters, the
// URL path, and finally magic-byte sniffing of the first response bytes to
// supply a missing extension. The result is sanitized.
func DetermineFilename(rawurl string, header http.Header, sniff []byte) string {
	var candidate string

	if header != nil {
		if _, name, err := httpheader.ContentDisposition(header); err == nil && name != "" {
			candidate = name
		}
	}

	parsed, err := url.Parse(rawurl)
	if err != nil {
		parsed = &url.URL{}
	}

	if candidate == "" {
		q := parsed.Query()
		if name := q.Get("filename"); name != "" {
			candidate = name
		} else if name := q.Get("file"); name != "" {
			candidate = name
		}
	}

	if candidate == "" {
		candidate = path.Base(parsed.Path)
	}

	name := SanitizeFilename(candidate)

	if path.Ext(name) == "" && len(sniff) > 0 {
		if kind, _ := filetype.Match(sniff); kind != filetype.Unknown && kind.Extension != "" {
			name = name + "." + kind.Extension
		}
	}

	if name == "" || name == "_" {
		name = "download.bin"
	}
	return name
}

// SniffKindExtension returns the extension implied by magic bytes, or "".
func SniffKindExtension(sniff []byte) string {
	if len(sniff) == 0 {
		return ""
	}
	if kind, _ := filetype.Match(sniff); kind != filetype.Unknown {
		return kind.Extension
	}
	return ""
}

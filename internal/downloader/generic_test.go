package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primoscope/mediadl/internal/filesystem"
)

func TestGenericCanHandle(t *testing.T) {
	g := NewGenericAdapter(testFetcher())
	assert.True(t, g.CanHandle("https://anything.example/page"))
	assert.True(t, g.CanHandle("http://anything.example/file.mp4"))
	assert.False(t, g.CanHandle("ftp://host/file"))
	assert.False(t, g.CanHandle("not a url"))
	assert.False(t, g.CanHandle("file:///etc/passwd"))
}

func TestExtractMediaLinks(t *testing.T) {
	page := `<html><body>
		<a href="/gallery/one.jpg">one</a>
		<a href="two.PNG">two</a>
		<a href="/about.html">not media</a>
		<img src="https://cdn.example.com/three.webp">
		<img data-src="lazy/four.gif" src="">
		<video><source src="/vid/five.mp4"></video>
		<a href="/gallery/one.jpg">duplicate</a>
		<a href="javascript:void(0)">junk</a>
	</body></html>`

	base, _ := url.Parse("https://host.example/user/posts")
	links, err := extractMediaLinks(base, strings.NewReader(page))
	require.NoError(t, err)

	var got []string
	for _, l := range links {
		got = append(got, l.String())
	}
	assert.Equal(t, []string{
		"https://host.example/gallery/one.jpg",
		"https://host.example/user/two.PNG",
		"https://cdn.example.com/three.webp",
		"https://host.example/user/lazy/four.gif",
		"https://host.example/vid/five.mp4",
	}, got)
}

func TestGenericDownloadScrapesAndFetches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>
			<a href="/files/a.jpg">a</a>
			<img src="/files/b.png">
		</body></html>`))
	})
	mux.HandleFunc("/files/a.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("aaaa-bytes"))
	})
	mux.HandleFunc("/files/b.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bbbb-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGenericAdapter(testFetcher())
	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	result, err := g.Download(srv.URL+"/page", fastOptions(), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.TotalFiles)
	assert.Equal(t, 2, result.CompletedFiles)
	assert.Empty(t, result.FailedFiles)
	assert.Equal(t, 2, rep.total)
	assert.Len(t, rep.done, 2)
}

func TestGenericDownloadDirectFileLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("direct file body"))
	}))
	defer srv.Close()

	g := NewGenericAdapter(testFetcher())
	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	result, err := g.Download(srv.URL+"/clip.mp4", fastOptions(), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.TotalFiles)
	assert.Equal(t, 1, result.CompletedFiles)
}

func TestGenericDownloadNoMediaFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><p>nothing here</p></body></html>`))
	}))
	defer srv.Close()

	g := NewGenericAdapter(testFetcher())
	tok := NewToken(context.Background())

	_, err := g.Download(srv.URL+"/empty", fastOptions(), tok, newRecordingReporter(), filesystem.NewAdapter(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no media found")
}

func TestGenericDownloadPartialFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<a href="/ok.jpg">ok</a>
			<a href="/missing.jpg">missing</a>
		</body></html>`))
	})
	mux.HandleFunc("/ok.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGenericAdapter(testFetcher())
	rep := newRecordingReporter()
	tok := NewToken(context.Background())

	result, err := g.Download(srv.URL+"/page", fastOptions(), tok, rep, filesystem.NewAdapter(t.TempDir()))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.CompletedFiles)
	require.Len(t, result.FailedFiles, 1)
	assert.Contains(t, result.FailedFiles[0].ItemKey, "missing.jpg")
	assert.NotEmpty(t, result.ErrorMessage)
}

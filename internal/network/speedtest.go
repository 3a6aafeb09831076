// Package network measures connection speed and keeps the measurement
// history. Results feed the UI's bandwidth-limit suggestions.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	"github.com/primoscope/mediadl/internal/events"
	"github.com/primoscope/mediadl/internal/storage"
)

const testTimeout = 60 * time.Second

// Test phases, in order.
const (
	PhaseConnecting = "connecting"
	PhasePing       = "ping"
	PhaseDownload   = "download"
	PhaseUpload     = "upload"
	PhaseComplete   = "complete"
)

// Progress is one phase notification published on the bus while a test runs.
type Progress struct {
	Phase        string  `json:"phase"`
	PingMs       int64   `json:"ping_ms,omitempty"`
	DownloadMbps float64 `json:"download_mbps,omitempty"`
	UploadMbps   float64 `json:"upload_mbps,omitempty"`
	ServerName   string  `json:"server_name,omitempty"`
	ISP          string  `json:"isp,omitempty"`
}

// Result is a finished measurement.
type Result struct {
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        int64     `json:"ping_ms"`
	JitterMs      int64     `json:"jitter_ms"`
	ServerName    string    `json:"server_name"`
	ServerCountry string    `json:"server_country"`
	ServerHost    string    `json:"server_host"`
	ISP           string    `json:"isp"`
	Timestamp     time.Time `json:"timestamp"`
}

// Tester runs speed tests one at a time and persists their results.
type Tester struct {
	logger *slog.Logger
	store  *storage.Store
	bus    *events.Bus

	mu      sync.Mutex
	running bool
}

func NewTester(logger *slog.Logger, store *storage.Store, bus *events.Bus) *Tester {
	return &Tester{logger: logger, store: store, bus: bus}
}

// ErrTestRunning is returned when a test is already in flight.
var ErrTestRunning = fmt.Errorf("a speed test is already running")

// Run measures ping, download and upload against the nearest server,
// publishing a Progress event per phase and saving the result.
func (t *Tester) Run(ctx context.Context) (*Result, error) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil, ErrTestRunning
	}
	t.running = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	t.publish(Progress{Phase: PhaseConnecting})

	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return nil, fmt.Errorf("no internet connection: %w", err)
	}
	servers, err := speedtest.FetchServers()
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	targets, err := servers.FindServer(nil)
	if err != nil || len(targets) == 0 {
		return nil, fmt.Errorf("no speed test servers available")
	}
	server := targets[0]

	t.publish(Progress{Phase: PhasePing, ServerName: server.Name, ISP: user.Isp})
	if err := server.PingTestContext(ctx, nil); err != nil {
		return nil, phaseError(ctx, "ping", err)
	}
	pingMs := server.Latency.Milliseconds()

	t.publish(Progress{Phase: PhaseDownload, PingMs: pingMs, ServerName: server.Name, ISP: user.Isp})
	if err := server.DownloadTestContext(ctx); err != nil {
		return nil, phaseError(ctx, "download", err)
	}
	downloadMbps := float64(server.DLSpeed) / 1000 / 1000 * 8

	t.publish(Progress{Phase: PhaseUpload, PingMs: pingMs, DownloadMbps: downloadMbps, ServerName: server.Name, ISP: user.Isp})
	if err := server.UploadTestContext(ctx); err != nil {
		return nil, phaseError(ctx, "upload", err)
	}
	uploadMbps := float64(server.ULSpeed) / 1000 / 1000 * 8

	res := &Result{
		DownloadMbps:  downloadMbps,
		UploadMbps:    uploadMbps,
		PingMs:        pingMs,
		JitterMs:      server.Jitter.Milliseconds(),
		ServerName:    server.Name,
		ServerCountry: server.Country,
		ServerHost:    server.Host,
		ISP:           user.Isp,
		Timestamp:     time.Now(),
	}
	t.publish(Progress{Phase: PhaseComplete, PingMs: pingMs, DownloadMbps: downloadMbps, UploadMbps: uploadMbps, ServerName: server.Name, ISP: user.Isp})

	if err := t.store.SaveSpeedTest(&storage.SpeedTestRecord{
		DownloadMbps:  res.DownloadMbps,
		UploadMbps:    res.UploadMbps,
		PingMs:        res.PingMs,
		ServerName:    res.ServerName,
		ServerCountry: res.ServerCountry,
		Timestamp:     res.Timestamp,
	}); err != nil {
		t.logger.Error("persist speed test", "error", err)
	}
	t.logger.Info("speed test complete",
		"download_mbps", fmt.Sprintf("%.1f", downloadMbps),
		"upload_mbps", fmt.Sprintf("%.1f", uploadMbps),
		"ping_ms", pingMs, "server", server.Name)
	return res, nil
}

// History returns the most recent measurements, newest first.
func (t *Tester) History(limit int) ([]storage.SpeedTestRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return t.store.SpeedTestHistory(limit)
}

func (t *Tester) publish(p Progress) {
	t.bus.Emit("", events.Log, map[string]any{
		"scope":         "speedtest",
		"phase":         p.Phase,
		"ping_ms":       p.PingMs,
		"download_mbps": p.DownloadMbps,
		"upload_mbps":   p.UploadMbps,
		"server_name":   p.ServerName,
		"isp":           p.ISP,
	})
}

func phaseError(ctx context.Context, phase string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("speed test timed out during %s", phase)
	}
	return fmt.Errorf("%s test failed: %w", phase, err)
}

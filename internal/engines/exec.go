// Package engines wraps the external extractor tools (yt-dlp, gallery-dl)
// as downloader adapters. Both run as child processes tied to the job's
// cancellation context and report items by parsing line output.
package engines

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// maxLineSize bounds scanner buffers; extractor tools can emit long lines
// for playlists with verbose titles.
const maxLineSize = 1 << 20

// lookPath is an indirection over exec.LookPath for tests.
var lookPath = exec.LookPath

// findBinary returns the first resolvable candidate, or "".
func findBinary(candidates ...string) string {
	for _, c := range candidates {
		if path, err := lookPath(c); err == nil {
			return path
		}
	}
	return ""
}

// runCommand executes bin, streaming every stdout and stderr line to onLine.
// Lines from the two pipes are delivered one at a time, so onLine may keep
// unsynchronized state. It returns once the process exits and both pipes are
// drained. Cancellation of ctx kills the process; the resulting error is
// ctx.Err().
func runCommand(ctx context.Context, logger *slog.Logger, bin string, args []string, onLine func(line string)) error {
	cmd := exec.CommandContext(ctx, bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	logger.Debug("starting external engine", "bin", bin, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}

	var wg sync.WaitGroup
	var lineMu sync.Mutex
	scan := func(r interface{ Read([]byte) (int, error) }) {
		defer wg.Done()
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 64*1024), maxLineSize)
		for s.Scan() {
			lineMu.Lock()
			onLine(s.Text())
			lineMu.Unlock()
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d", bin, exitErr.ExitCode())
		}
		return fmt.Errorf("%s failed: %w", bin, err)
	}
	return nil
}

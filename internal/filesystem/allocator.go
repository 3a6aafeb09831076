package filesystem

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrDiskFull marks filesystem errors that must never be retried: the item
// fails fatally and, per engine policy, the job fails with it.
var ErrDiskFull = errors.New("disk full")

// spaceBuffer keeps a safety margin so the volume is never filled to the
// last byte.
const spaceBuffer = 100 * 1024 * 1024

// CheckSpace verifies the volume holding path has room for required bytes
// plus a safety buffer. required <= 0 skips the size comparison but still
// fails on an unreadable volume.
func CheckSpace(path string, required int64) error {
	dir := filepath.Dir(path)

	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("check disk space: %w", err)
	}
	if required <= 0 {
		return nil
	}
	if int64(usage.Free) < required+spaceBuffer {
		return fmt.Errorf("%w: required %d bytes, available %d bytes", ErrDiskFull, required, usage.Free)
	}
	return nil
}

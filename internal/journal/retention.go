package journal

import (
	"fmt"
	"os"
	"time"
)

// Retention bounds the segments kept in a journal directory. Zero values
// disable the respective bound.
type Retention struct {
	// MaxAge removes segments last written before now minus MaxAge.
	MaxAge time.Duration

	// MaxBytes removes the oldest segments until the directory fits.
	MaxBytes int64
}

// Enabled reports whether any bound is set.
func (r Retention) Enabled() bool {
	return r.MaxAge > 0 || r.MaxBytes > 0
}

// PruneResult holds the result of a prune run.
type PruneResult struct {
	FilesDeleted int
	BytesFreed   int64
	FilesKept    int
	Errors       []error
}

// Prune removes the segments of dir that fall outside r, oldest first. The
// segment at active is never removed. With dryRun set nothing is deleted.
func Prune(dir string, r Retention, active string, dryRun bool) PruneResult {
	var result PruneResult

	segments, err := listSegments(dir)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list segments: %w", err))
		return result
	}

	type file struct {
		path    string
		size    int64
		modTime time.Time
	}
	files := make([]file, 0, len(segments))
	var total int64
	for _, s := range segments {
		info, err := os.Stat(s.path)
		if err != nil {
			continue
		}
		files = append(files, file{path: s.path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	cutoff := time.Now().Add(-r.MaxAge)
	for _, f := range files {
		expired := r.MaxAge > 0 && f.modTime.Before(cutoff)
		oversize := r.MaxBytes > 0 && total > r.MaxBytes
		if f.path == active || (!expired && !oversize) {
			result.FilesKept++
			continue
		}

		if !dryRun {
			if err := os.Remove(f.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
				result.FilesKept++
				continue
			}
		}

		total -= f.size
		result.FilesDeleted++
		result.BytesFreed += f.size
	}
	return result
}

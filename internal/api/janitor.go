package api

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// RunJanitor removes upload and output files older than maxAge, once at
// start and then every interval, until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		s.logger.Printf("janitor disabled interval=%s max_age=%s", interval, maxAge)
		return
	}

	sweep := func() {
		removed, err := cleanupOldFiles([]string{s.cfg.UploadDir, s.cfg.OutputDir}, maxAge, time.Now())
		s.metrics.janitorRemovals.Add(float64(removed))
		if err != nil {
			s.logger.Printf("janitor sweep failed removed=%d err=%v", removed, err)
			return
		}
		if removed > 0 {
			s.logger.Printf("janitor removed=%d max_age=%s", removed, maxAge)
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// cleanupOldFiles deletes regular files last modified before now-maxAge and
// then any directories the sweep left empty. The roots themselves are kept.
func cleanupOldFiles(roots []string, maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error

	for _, root := range roots {
		if root == "" {
			continue
		}
		var dirs []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				if path != root {
					dirs = append(dirs, path)
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, err)
					return nil
				}
				removed++
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}

		// Deepest first so nested empty directories collapse.
		for i := len(dirs) - 1; i >= 0; i-- {
			entries, err := os.ReadDir(dirs[i])
			if err == nil && len(entries) == 0 {
				_ = os.Remove(dirs[i])
			}
		}
	}
	return removed, errors.Join(errs...)
}

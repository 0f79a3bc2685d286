package observers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// PurgeArtifacts removes files in dir older than maxAge. Returns deleted count.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// RunRetention purges once, then again every interval until ctx is done.
func RunRetention(ctx context.Context, dir string, maxAge, interval time.Duration, log *slog.Logger) {
	if dir == "" || maxAge <= 0 {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	purge := func() {
		n, err := PurgeArtifacts(dir, maxAge)
		if err != nil {
			log.Warn("artifact_purge_failed", "dir", dir, "error", err.Error())
		}
		if n > 0 {
			log.Info("artifacts_purged", "dir", dir, "removed", n)
		}
	}
	purge()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

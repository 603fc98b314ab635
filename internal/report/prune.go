package report

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// Prune removes report artifacts older than maxAge, judged by file
// modification time. Only .csv and .html files directly under dir are
// candidates. Returns the number of files removed.
func Prune(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".csv", ".html":
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("Failed to prune report artifact",
				zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

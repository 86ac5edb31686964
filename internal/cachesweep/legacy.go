package cachesweep

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Older cache layouts sharded entries into one subdirectory per leading
// character and left a "cleaned" marker file behind.
const (
	legacyShards = "0abcdefghijklmnopqrstuvwxyz"
	legacyMarker = "cleaned"
)

// removeLegacy deletes leftovers of the old layout from dir.
func removeLegacy(dir string, logger *zap.Logger) {
	for _, c := range legacyShards {
		path := filepath.Join(dir, string(c))
		st, err := os.Lstat(path)
		if err != nil || !st.IsDir() {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("remove legacy cache dir", zap.String("path", path), zap.Error(err))
			continue
		}
		logger.Debug("removed legacy cache dir", zap.String("path", path))
	}
	if err := os.Remove(filepath.Join(dir, legacyMarker)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("remove legacy marker", zap.Error(err))
	}
}

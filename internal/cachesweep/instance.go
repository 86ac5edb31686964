package cachesweep

import (
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned when another daemon holds the instance lock.
var ErrAlreadyRunning = errors.New("another instance is running")

// Instance is the claim on being the only daemon for a cache. It is an
// exclusive lock on a LOCK file in its directory, released when the process
// exits even if Release is never called. Start and stop times are appended
// to the LOG file next to it.
type Instance struct {
	dir string
	st  storage.Storage
}

// ClaimInstance takes the instance lock in dir, creating dir if needed.
func ClaimInstance(dir string) (*Instance, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	st, err := storage.OpenFile(dir, false)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrAlreadyRunning, dir, err)
	}
	st.Log(fmt.Sprintf("cachesweep started, pid %d", os.Getpid()))
	return &Instance{dir: dir, st: st}, nil
}

// Release gives up the claim.
func (i *Instance) Release(logger *zap.Logger) {
	i.st.Log(fmt.Sprintf("cachesweep stopped, pid %d", os.Getpid()))
	if err := i.st.Close(); err != nil && logger != nil {
		logger.Warn("release instance lock", zap.String("dir", i.dir), zap.Error(err))
	}
}

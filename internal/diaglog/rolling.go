package diaglog

import (
	"io"
	"os"
	"path/filepath"
	"sync"
)

// PrevSuffix names the previous generation of a rolled file.
const PrevSuffix = ".1"

// rollingWriter appends to path and, when the next write would push it past
// maxSize, moves it to path+PrevSuffix and starts a fresh file. At most two
// generations exist on disk.
type rollingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	fsync   bool
	f       *os.File
	size    int64
}

func newRollingWriter(path string, maxSize int64) (*rollingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	rw := &rollingWriter{path: path, maxSize: maxSize, fsync: true}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// NewRollingFile returns a size-capped writer for plain text output such as
// ffmpeg's stderr. It skips the per-write fsync the journal does.
func NewRollingFile(path string, maxSize int64) (io.WriteCloser, error) {
	rw, err := newRollingWriter(path, maxSize)
	if err != nil {
		return nil, err
	}
	rw.fsync = false
	return rw, nil
}

func (rw *rollingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	rw.f, rw.size = f, info.Size()
	return nil
}

func (rw *rollingWriter) roll() error {
	if err := rw.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(rw.path, rw.path+PrevSuffix); err != nil {
		return err
	}
	return rw.open()
}

func (rw *rollingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.roll(); err != nil {
			return 0, err
		}
	}
	n, err := rw.f.Write(p)
	rw.size += int64(n)
	if err == nil && rw.fsync {
		err = rw.f.Sync()
	}
	return n, err
}

func (rw *rollingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.fsync {
		rw.f.Sync()
	}
	return rw.f.Close()
}

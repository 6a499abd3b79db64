// Package pidfile keeps a single radiodigest-core per state directory.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrNotRunning is returned by Running when no live process owns the file.
var ErrNotRunning = errors.New("pidfile: process not running")

// PIDFile is a PID file owned by this process.
type PIDFile struct {
	path string
	pid  int
}

// New writes the current PID to path. It fails if the file names a live
// process; a stale file is replaced.
func New(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}

	if pid, err := read(path); err == nil {
		if isProcessRunning(pid) {
			return nil, fmt.Errorf("another instance is already running (PID %d)", pid)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	current := os.Getpid()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", current)), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return &PIDFile{path: path, pid: current}, nil
}

// Remove deletes the file if it still holds our PID.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if pid, err := read(p.path); err == nil && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

// Running returns the PID recorded at path if that process is alive.
func Running(path string) (int, error) {
	pid, err := read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !isProcessRunning(pid) {
		return pid, ErrNotRunning
	}
	return pid, nil
}

func read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		// Alive, owned by someone else.
		return true
	default:
		return false
	}
}

// Path returns the PID file for appName inside stateDir.
func Path(stateDir, appName string) string {
	return filepath.Join(stateDir, appName+".pid")
}

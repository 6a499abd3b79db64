// Package recorder starts capture processes. The supervisor only sees the
// Launcher and Handle seams, so tests swap in fakes.
package recorder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Spec describes one process to launch.
type Spec struct {
	Path   string
	Args   []string
	Env    []string // appended to the daemon's environment
	Stderr io.Writer
}

// Handle is a running capture process.
type Handle interface {
	PID() int
	// Wait blocks until the process exits. Call it once.
	Wait() error
	// Signal delivers sig to the process group.
	Signal(sig syscall.Signal) error
}

// Launcher starts capture processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// ExecLauncher runs processes with os/exec in their own process group.
type ExecLauncher struct{}

// Launch starts spec. The process is not tied to ctx; callers stop it with
// Signal so that shutdown can be graceful.
func (ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = io.Discard
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	} else {
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("recorder: failed to start %s: %w", spec.Path, err)
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Wait() error { return h.cmd.Wait() }

func (h *execHandle) Signal(sig syscall.Signal) error {
	// Negative pid addresses the whole group.
	if err := syscall.Kill(-h.cmd.Process.Pid, sig); err != nil {
		return h.cmd.Process.Signal(sig)
	}
	return nil
}

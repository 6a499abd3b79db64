// Package ipc is the file-based control surface between radiodigest-ctl and
// radiodigest-core: commands go in through cmd.txt and status comes out
// through status.json, both under the daemon's state directory.
package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Verb is a control command understood by the daemon.
type Verb string

const (
	VerbStart  Verb = "start"  // start capturing a channel
	VerbStop   Verb = "stop"   // stop capturing a channel
	VerbReload Verb = "reload" // re-read the config file
	VerbDigest Verb = "digest" // run the digest for a day (YYYY-MM-DD), or the due windows
	VerbQuit   Verb = "quit"
)

// ErrUnknownVerb is returned by ParseCommand for anything it does not know.
var ErrUnknownVerb = errors.New("ipc: unknown command")

// Command is one line of cmd.txt.
type Command struct {
	Verb Verb
	Arg  string
}

func (c Command) String() string {
	if c.Arg == "" {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + c.Arg
}

// ParseCommand parses "verb [arg]".
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty", ErrUnknownVerb)
	}
	cmd := Command{Verb: Verb(strings.ToLower(fields[0]))}
	if len(fields) > 1 {
		cmd.Arg = strings.Join(fields[1:], " ")
	}

	switch cmd.Verb {
	case VerbStart, VerbStop:
		if cmd.Arg == "" {
			return Command{}, fmt.Errorf("%s needs a channel id", cmd.Verb)
		}
	case VerbDigest:
		if cmd.Arg != "" {
			if _, err := time.Parse(time.DateOnly, cmd.Arg); err != nil {
				return Command{}, fmt.Errorf("digest day %q: want YYYY-MM-DD", cmd.Arg)
			}
		}
	case VerbReload, VerbQuit:
		if cmd.Arg != "" {
			return Command{}, fmt.Errorf("%s takes no argument", cmd.Verb)
		}
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownVerb, fields[0])
	}
	return cmd, nil
}

// CommandPath is cmd.txt inside dir.
func CommandPath(dir string) string {
	return filepath.Join(dir, "cmd.txt")
}

// WriteCommand appends cmd to dir's command file. Appending lets several
// commands queue up before the daemon picks them up.
func WriteCommand(dir string, cmd Command) error {
	if _, err := ParseCommand(cmd.String()); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(CommandPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(cmd.String() + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCommands takes every pending command out of dir's command file. The
// file is renamed before it is read, so a writer racing with us lands in a
// fresh file instead of being truncated away. Lines that do not parse are
// returned in the error, after the valid ones.
func ReadCommands(dir string) ([]Command, error) {
	path := CommandPath(dir)
	taken := path + ".processing"
	if err := os.Rename(path, taken); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	data, err := os.ReadFile(taken)
	os.Remove(taken)
	if err != nil {
		return nil, err
	}

	var cmds []Command
	var errs []error
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, err := ParseCommand(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, errors.Join(errs...)
}

// Watch delivers commands written to dir until ctx is done. It watches the
// directory with fsnotify and also polls once per pollInterval, since some
// filesystems never deliver events. A non-positive pollInterval means 1s.
func Watch(ctx context.Context, dir string, pollInterval time.Duration, handle func(Command), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	cmdPath := CommandPath(dir)

	drain := func() {
		// Let the writer finish its line.
		time.Sleep(50 * time.Millisecond)
		cmds, err := ReadCommands(dir)
		if err != nil {
			logger.Warn("bad command", "error", err)
		}
		for _, cmd := range cmds {
			logger.Info("received command", "command", cmd.String())
			handle(cmd)
		}
	}

	// Commands left over from before startup.
	drain()

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(dir); err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		logger.Warn("fsnotify not available, falling back to polling", "error", err)
	} else {
		defer watcher.Close()
		events, errs = watcher.Events, watcher.Errors
		logger.Debug("command watcher started", "dir", dir)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				logger.Info("fsnotify watcher closed, switching to polling")
				events, errs = nil, nil
				continue
			}
			if ev.Name == cmdPath && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				drain()
			}
		case err, ok := <-errs:
			if !ok {
				events, errs = nil, nil
				continue
			}
			logger.Warn("command watcher error", "error", err)
		case <-ticker.C:
			if _, err := os.Stat(cmdPath); err == nil {
				drain()
			}
		}
	}
}

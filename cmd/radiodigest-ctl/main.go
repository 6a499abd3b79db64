// Command radiodigest-ctl talks to a running radiodigest-core through its
// state directory: it queues commands in cmd.txt and prints status.json.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tiroq/radiodigest/internal/config"
	"github.com/tiroq/radiodigest/internal/diaglog"
	"github.com/tiroq/radiodigest/internal/ipc"
	"github.com/tiroq/radiodigest/internal/pidfile"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

const usage = `usage: radiodigest-ctl [-config file] <command> [args]

commands:
  status [-json]     print the daemon status
  start <channel>    start capturing a channel
  stop <channel>     stop capturing a channel
  digest [YYYY-MM-DD] run the digest now, or for a past day
  reload             re-read the config file
  quit               shut the daemon down
  export-diag        write a diagnostic bundle to the current directory
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("radiodigest-ctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", config.DefaultPath(), "channel config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg := loadConfig(*configPath)
	verb, rest := fs.Arg(0), fs.Args()[1:]

	switch verb {
	case "status":
		asJSON := len(rest) > 0 && (rest[0] == "-json" || rest[0] == "--json")
		return status(cfg, asJSON, stdout, stderr)
	case "export-diag":
		diaglog.Version = Version
		path, n, err := diaglog.Export(diaglog.Path(cfg.LogDir), ".")
		if err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 1
		}
		fmt.Fprintf(stdout, "Wrote: %s (%d lines)\n", path, n)
		return 0
	case "version":
		fmt.Fprintln(stdout, "radiodigest-ctl", Version)
		return 0
	}

	cmd, err := ipc.ParseCommand(strings.Join(fs.Args(), " "))
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		fs.Usage()
		return 2
	}
	if ch := cmd.Arg; (cmd.Verb == ipc.VerbStart || cmd.Verb == ipc.VerbStop) && cfg.ChannelByID(ch) == nil {
		fmt.Fprintf(stderr, "warning: channel %q is not in %s\n", ch, *configPath)
	}
	if err := ipc.WriteCommand(cfg.StateDir, cmd); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if _, err := pidfile.Running(pidfile.Path(cfg.StateDir, "radiodigest-core")); err != nil {
		fmt.Fprintln(stderr, "warning: radiodigest-core is not running; the command will run when it starts")
	}
	fmt.Fprintf(stdout, "queued: %s\n", cmd)
	return 0
}

// loadConfig returns the config at path, or the defaults when it cannot be
// loaded. The client only needs the state and log directories.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg
	}
	cfg = &config.Config{}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	return cfg
}

func status(cfg *config.Config, asJSON bool, stdout, stderr io.Writer) int {
	snap, err := ipc.ReadStatus(cfg.StateDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "no status in %s; is radiodigest-core running?\n", cfg.StateDir)
		} else {
			fmt.Fprintln(stderr, "error:", err)
		}
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 1
		}
		return 0
	}

	_, pidErr := pidfile.Running(pidfile.Path(cfg.StateDir, "radiodigest-core"))
	printStatus(stdout, snap, pidErr == nil, time.Now())
	return 0
}

func printStatus(w io.Writer, s *ipc.StatusSnapshot, alive bool, now time.Time) {
	state := "running"
	if !alive {
		state = "NOT RUNNING (last status below)"
	}
	fmt.Fprintf(w, "radiodigest-core %s: %s, pid %d\n", s.Version, state, s.PID)
	fmt.Fprintf(w, "started %s, status updated %s\n",
		humanize.RelTime(s.StartedAt, now, "ago", "from now"),
		humanize.RelTime(s.Timestamp, now, "ago", "from now"))
	if s.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", s.LastError)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tCAPTURE\tPID\tRESTARTS\tWATCHING\tPENDING\tFINALIZED\tSILENCE\tENQUEUED")
	for _, ch := range s.Channels {
		capState, pid, restarts := "-", "-", "-"
		if !ch.Enabled {
			capState = "disabled"
		}
		if p := ch.Capture; p != nil {
			capState = string(p.State)
			if p.PID > 0 {
				pid = fmt.Sprint(p.PID)
			}
			restarts = fmt.Sprint(p.RestartCount)
		}
		watching, pending, fin, sil, enq := "no", "-", "-", "-", "-"
		if in := ch.Ingest; in != nil {
			if in.Watching {
				watching = "yes"
			}
			pending = fmt.Sprint(in.Pending)
			fin, sil, enq = fmt.Sprint(in.Counts.Finalized), fmt.Sprint(in.Counts.Silence), fmt.Sprint(in.Counts.Enqueued)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ch.ChannelID, capState, pid, restarts, watching, pending, fin, sil, enq)
	}
	tw.Flush()

	for _, ch := range s.Channels {
		if p := ch.Capture; p != nil && p.LastError != "" {
			fmt.Fprintf(w, "  %s: %s", ch.ChannelID, p.LastError)
			if !p.NextRestartAt.IsZero() {
				fmt.Fprintf(w, " (restart %s)", humanize.RelTime(p.NextRestartAt, now, "ago", "from now"))
			}
			fmt.Fprintln(w)
		}
		if ch.Ingest != nil {
			for _, f := range ch.Ingest.Stalled {
				fmt.Fprintf(w, "  %s: stalled %s\n", ch.ChannelID, f)
			}
		}
	}

	q := s.Queue
	fmt.Fprintf(w, "\nqueue: %d/%d queued, %d in flight, %d retrying, %d dead-lettered (%d workers)\n",
		q.Depth, q.Capacity, q.InFlight, q.Retrying, q.DeadLetters, q.Workers)
	for _, b := range s.ASR {
		fmt.Fprintf(w, "asr %s (%s): %s calls, %s failed", b.Name, b.Role, humanize.Comma(int64(b.Calls)), humanize.Comma(int64(b.Failures)))
		if b.LastError != "" {
			fmt.Fprintf(w, ", last error %s: %s", humanize.RelTime(b.LastFailure, now, "ago", "from now"), b.LastError)
		}
		fmt.Fprintln(w)
	}
	if len(s.Segments) > 0 {
		parts := make([]string, 0, len(s.Segments))
		for _, st := range []string{"detected", "finalized", "queued", "transcribing", "transcribed", "failed"} {
			if n, ok := s.Segments[st]; ok {
				parts = append(parts, fmt.Sprintf("%s %s", humanize.Comma(int64(n)), st))
			}
		}
		fmt.Fprintf(w, "segments: %s\n", strings.Join(parts, ", "))
	}

	if len(s.RecentRuns) == 0 {
		return
	}
	fmt.Fprintln(w, "\nrecent digests:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tWINDOW\tSTATUS\tATTEMPTS\tUPDATED")
	for _, r := range s.RecentRuns {
		status := r.Status
		if r.Error != "" {
			status += ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s - %s\t%s\t%d\t%s\n", r.ChannelID,
			r.WindowStart.Format("2006-01-02 15:04"), r.WindowEnd.Format("15:04"),
			status, r.Attempts, humanize.RelTime(r.UpdatedAt, now, "ago", "from now"))
	}
	tw.Flush()
}

package diaglog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the header line of an exported bundle. The journal lines
// follow it unchanged, so the whole file stays valid NDJSON.
type DiagBundle struct {
	BundleID   string         `json:"bundle_id"`
	ExportedAt string         `json:"exported_at"`
	Version    string         `json:"radiodigest_version"`
	GoVersion  string         `json:"go_version"`
	OS         string         `json:"os"`
	Arch       string         `json:"arch"`
	LogFile    string         `json:"log_file"`
	LogSize    string         `json:"log_size"`
	EntryCount int            `json:"entry_count"`
	Components map[string]int `json:"components"`          // entries per component
	Channels   map[string]int `json:"channels,omitempty"`  // entries per channel
	Malformed  int            `json:"malformed,omitempty"` // lines that did not decode; still copied
}

// Export writes the journal at logPath, preceded by its rolled generation
// when one exists, to dest/radiodigest-diag-<ts>.ndjson behind a DiagBundle
// header. It returns the bundle path and the number of journal lines copied.
func Export(logPath, dest string) (string, int, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("journal not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("journal unreadable: %w", err)
	}
	if prev, err := os.ReadFile(logPath + PrevSuffix); err == nil {
		data = append(prev, data...)
	}

	bundle := DiagBundle{
		BundleID:   uuid.NewString(),
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Version:    Version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		LogFile:    logPath,
		LogSize:    humanize.Bytes(uint64(len(data))),
		Components: make(map[string]int),
		Channels:   make(map[string]int),
	}

	var body bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), maxJournalSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e LogEntry
		if json.Unmarshal(line, &e) != nil || e.Component == "" {
			bundle.Malformed++
		} else {
			bundle.Components[e.Component]++
			if e.ChannelID != "" {
				bundle.Channels[e.ChannelID]++
			}
		}
		bundle.EntryCount++
		body.Write(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return "", 0, fmt.Errorf("journal unreadable: %w", err)
	}

	header, err := json.Marshal(bundle)
	if err != nil {
		return "", 0, err
	}
	out := filepath.Join(dest, "radiodigest-diag-"+time.Now().UTC().Format("20060102T150405")+".ndjson")
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("bundle could not be created: %w", err)
	}
	w := bufio.NewWriter(f)
	w.Write(header)
	w.WriteByte('\n')
	w.Write(body.Bytes())
	if err := w.Flush(); err != nil {
		f.Close()
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}
	return out, bundle.EntryCount, nil
}

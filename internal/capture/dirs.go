package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DateDir returns <root>/YYYY/MM/DD for t.
func DateDir(root string, t time.Time) string {
	return filepath.Join(root, t.Format("2006"), t.Format("01"), t.Format("02"))
}

// ensureDateDirs creates today's and tomorrow's directories; ffmpeg's
// strftime output does not create them itself.
func ensureDateDirs(root string, now time.Time) error {
	for _, day := range []time.Time{now, now.AddDate(0, 0, 1)} {
		if err := os.MkdirAll(DateDir(root, day), 0755); err != nil {
			return fmt.Errorf("create date directory: %w", err)
		}
	}
	return nil
}

// ensureOutputDir creates root and checks it is writable.
func ensureOutputDir(root string) error {
	if root == "" {
		return fmt.Errorf("output_dir is empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return fmt.Errorf("output directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

package segment

import (
	"path/filepath"
	"strings"
	"time"
)

const chunkLayout = "20060102150405"

// ParseChunkTime extracts the start time from a chunk_YYYYmmddHHMMSS file
// name, interpreted in loc.
func ParseChunkTime(path string, loc *time.Location) (time.Time, bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	stamp, ok := strings.CutPrefix(base, "chunk_")
	if !ok || len(stamp) != len(chunkLayout) {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(chunkLayout, stamp, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// isAudio reports whether path has a capture extension.
func isAudio(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".mp3":
		return true
	}
	return false
}

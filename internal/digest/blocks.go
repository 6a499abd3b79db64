package digest

import (
	"strings"
	"time"

	"github.com/tiroq/radiodigest/internal/store"
)

const (
	DefaultMergeGap = 5 * time.Second
	DefaultMinBlock = 60 * time.Second
)

// Block is a run of speech segments with gaps no longer than the merge gap.
type Block struct {
	Start    time.Time
	End      time.Time
	Segments int
	Text     string
}

// Duration returns End-Start.
func (b Block) Duration() time.Duration { return b.End.Sub(b.Start) }

// MergeBlocks joins segments (sorted by start) into speech blocks. A segment
// extends the current block when it starts within gap of the block's end.
// Silence segments break a block. Blocks shorter than minDur are dropped.
func MergeBlocks(segs []store.Segment, gap, minDur time.Duration) []Block {
	var (
		out   []Block
		cur   *Block
		texts []string
	)
	flush := func() {
		if cur != nil && cur.Duration() >= minDur {
			cur.Text = strings.Join(texts, "\n")
			out = append(out, *cur)
		}
		cur, texts = nil, nil
	}

	for _, seg := range segs {
		if seg.Classification == store.Silence {
			flush()
			continue
		}
		if cur != nil && seg.StartTime.Sub(cur.End) > gap {
			flush()
		}
		if cur == nil {
			cur = &Block{Start: seg.StartTime, End: seg.End()}
		}
		if end := seg.End(); end.After(cur.End) {
			cur.End = end
		}
		cur.Segments++
		if t := strings.TrimSpace(seg.Transcript); t != "" {
			texts = append(texts, t)
		}
	}
	flush()
	return out
}

// blockTexts returns the texts to summarize: merged blocks, or every
// non-empty transcript when no block is long enough.
func blockTexts(segs []store.Segment, gap, minDur time.Duration) []string {
	var texts []string
	for _, b := range MergeBlocks(segs, gap, minDur) {
		if b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	if len(texts) > 0 {
		return texts
	}
	for _, seg := range segs {
		if t := strings.TrimSpace(seg.Transcript); t != "" {
			texts = append(texts, t)
		}
	}
	return texts
}

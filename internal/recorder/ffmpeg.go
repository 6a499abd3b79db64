package recorder

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/google/shlex"

	"github.com/tiroq/radiodigest/internal/config"
)

// ChunkPattern is the strftime file name ffmpeg writes segments under.
const ChunkPattern = "chunk_%Y%m%d%H%M%S"

// OutputPattern returns the strftime output template for ch.
func OutputPattern(ch config.Channel) string {
	return filepath.Join(ch.OutputDir, "%Y", "%m", "%d", ChunkPattern+"."+format(ch))
}

func format(ch config.Channel) string {
	if ch.Format == "" {
		return "wav"
	}
	return ch.Format
}

// BuildArgs returns the ffmpeg arguments that record ch into rolling segment
// files.
func BuildArgs(ch config.Channel) ([]string, error) {
	if ch.SourceURL == "" || ch.OutputDir == "" {
		return nil, fmt.Errorf("recorder: channel %q needs source_url and output_dir", ch.ID)
	}
	fmtName := format(ch)

	args := []string{"-nostdin", "-y", "-loglevel", "info",
		"-i", ch.SourceURL,
		"-map", "0:a",
		"-segment_format", fmtName,
	}

	codec := ch.Codec
	if codec == "" {
		codec = "copy"
		if fmtName == "wav" {
			codec = "pcm_s16le"
		}
	}
	args = append(args, "-c:a", codec)
	if ch.Bitrate != "" {
		args = append(args, "-b:a", ch.Bitrate)
	}
	if codec != "copy" {
		ac, ar := ch.AudioChannels, ch.SampleRate
		if ac <= 0 {
			ac = 1
		}
		if ar <= 0 {
			ar = 16000
		}
		args = append(args, "-ac", strconv.Itoa(ac), "-ar", strconv.Itoa(ar))
	}

	segTime := ch.SegmentTime
	if segTime <= 0 {
		segTime = 3600
	}
	args = append(args,
		"-f", "segment",
		"-segment_time", strconv.Itoa(segTime),
		"-strftime", "1",
		"-reset_timestamps", "1",
	)

	if ch.ExtraFlags != "" {
		extra, err := shlex.Split(ch.ExtraFlags)
		if err != nil {
			return nil, fmt.Errorf("recorder: channel %q extra_flags: %w", ch.ID, err)
		}
		args = append(args, extra...)
	}

	return append(args, OutputPattern(ch)), nil
}

// BuildSpec returns the launch spec for ch. ffmpeg expands strftime in its
// own local time, so TZ is pinned to the channel zone.
func BuildSpec(ffmpegPath string, ch config.Channel, tz string) (Spec, error) {
	args, err := BuildArgs(ch)
	if err != nil {
		return Spec{}, err
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	spec := Spec{Path: ffmpegPath, Args: args}
	if tz != "" {
		spec.Env = []string{"TZ=" + tz}
	}
	return spec, nil
}

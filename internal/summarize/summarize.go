// Package summarize turns a channel's transcripts for one window into a short
// narrative summary.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Request is one summarization call: every speech block of a channel for a
// digest window, in broadcast order.
type Request struct {
	Channel        string   // display name
	Language       string   // spoken language, empty when unknown
	TargetLanguage string   // language the summary is written in
	Texts          []string // speech blocks, oldest first
}

// Summarizer produces the summary text for req. Implementations classify
// errors with resilience.Transient / resilience.Permanent.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}

// Prompt builds the analyst instruction for req.
func Prompt(req Request) (string, error) {
	data, err := json.MarshalIndent(req.Texts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode transcripts: %w", err)
	}

	original := req.Language
	if original == "" {
		original = "unknown"
	}
	target := req.TargetLanguage
	if target == "" {
		target = "en"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a radio content analyst. Your task is to summarize what people talked about on a radio station.\n\n")
	fmt.Fprintf(&b, "Station: %s\n", req.Channel)
	fmt.Fprintf(&b, "Original language: %s\n", original)
	fmt.Fprintf(&b, "Output language: %s\n\n", target)
	b.WriteString(`Task:
- identify the 3-5 main topics discussed on air;
- capture the key points of each topic;
- write each topic as a separate paragraph;
- write ONLY in the output language.

Topics may include news, politics, economy, culture, public discussions and interviews.

Do NOT mention technical details, timecodes, speaker labels or the speech recognition process.

Output: ONLY the summary text.

===== TRANSCRIPTION DATA FORMAT =====
A JSON array of strings. Each string is one continuous block of speech, in broadcast order.
Recognition errors are possible; infer the meaning where the text is garbled.

===== TRANSCRIPTION DATA =====
`)
	b.Write(data)
	b.WriteByte('\n')
	return b.String(), nil
}

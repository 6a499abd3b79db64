package asr

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/radiodigest/internal/resilience"
)

// Upload describes a multipart POST of one audio file to an HTTP
// transcription API.
type Upload struct {
	URL    string
	Token  string            // sent as a Bearer token when set
	Fields map[string]string // form fields after the file; empty values are skipped
}

// Post streams filePath as the "file" form field and returns the response
// body of a 2xx reply. Every error is classified: an unreadable file and 4xx
// replies are permanent, transport faults and 5xx are transient. The caller's
// own cancellation comes back unwrapped.
func Post(ctx context.Context, client *http.Client, u Upload, filePath string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("open audio: %w", err))
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(filePath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		for k, v := range u.Fields {
			if err != nil {
				break
			}
			if v != "" {
				err = mw.WriteField(k, v)
			}
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, pr)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, resilience.TransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Transient(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.HTTPStatusError(resp.StatusCode, body)
	}
	return body, nil
}

// Seconds converts the float seconds most APIs report.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

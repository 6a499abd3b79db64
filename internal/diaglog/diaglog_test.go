package diaglog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readJournal(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var out []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestLogger_WritesEntries(t *testing.T) {
	t.Setenv("RADIODIGEST_DEBUG", "true")
	path := filepath.Join(t.TempDir(), "journal.ndjson")

	l, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Log(LogEntry{Component: ComponentCapture, Event: EventCaptureStart, ChannelID: "kan-bet"})
	l.Log(LogEntry{Component: ComponentCapture, Event: EventCaptureRestart, ChannelID: "kan-bet", Reason: "exit status 1"})
	l.Log(LogEntry{Component: ComponentQueue, Event: EventTaskDeadLetter, Payload: map[string]interface{}{"attempts": 5}})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := readJournal(t, path)
	if len(got) != 3 {
		t.Fatalf("journal has %d entries, want 3", len(got))
	}
	if got[1].Event != EventCaptureRestart || got[1].Reason != "exit status 1" || got[1].ChannelID != "kan-bet" {
		t.Errorf("entry[1] = %+v", got[1])
	}
	for i, e := range got {
		if e.Timestamp == "" {
			t.Errorf("entry[%d] has no timestamp", i)
		}
	}
}

func TestLogger_RedactsPayload(t *testing.T) {
	t.Setenv("RADIODIGEST_DEBUG", "true")
	path := filepath.Join(t.TempDir(), "journal.ndjson")

	l, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Log(LogEntry{
		Component: ComponentDigest,
		Event:     EventDigestFailed,
		Payload:   map[string]string{"bot_token": "123:abc", "chat_id": "-100"},
	})
	l.Close()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "123:abc") {
		t.Errorf("journal leaks the bot token: %s", data)
	}
	if !strings.Contains(string(data), "-100") {
		t.Errorf("journal lost the chat id: %s", data)
	}
}

func TestLogger_DisabledIsNoOp(t *testing.T) {
	t.Setenv("RADIODIGEST_DEBUG", "")
	path := filepath.Join(t.TempDir(), "journal.ndjson")

	l, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Log(LogEntry{Component: ComponentWatcher, Event: EventSegmentFinal})
	l.Close()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("journal created while debug is off")
	}

	var nilLogger *Logger
	nilLogger.Log(LogEntry{Event: EventHealthCheck})
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}
}

func TestRedact(t *testing.T) {
	in := map[string]interface{}{
		"Authorization": "Bearer sk-1",
		"api_key":       "sk-2",
		"channel":       "glz",
		"backends": []interface{}{
			map[string]interface{}{"name": "openai", "token": "sk-3"},
		},
	}
	out := Redact(in).(map[string]interface{})

	if out["Authorization"] != "[REDACTED]" || out["api_key"] != "[REDACTED]" {
		t.Errorf("top-level secrets kept: %v", out)
	}
	if out["channel"] != "glz" {
		t.Errorf("channel = %v, want glz", out["channel"])
	}
	b := out["backends"].([]interface{})[0].(map[string]interface{})
	if b["token"] != "[REDACTED]" || b["name"] != "openai" {
		t.Errorf("nested backend = %v", b)
	}
	if in["api_key"] != "sk-2" {
		t.Error("Redact modified its input")
	}
	for _, k := range []string{"telegram_bot_token", "OPENAI_API_KEY", "Password"} {
		if !secretKey(k) {
			t.Errorf("secretKey(%q) = false", k)
		}
	}
	if secretKey("tokens_used") || secretKey("chat_id") {
		t.Error("secretKey matched a harmless key")
	}
	if got := Redact("plain"); got != "plain" {
		t.Errorf("Redact(string) = %v", got)
	}
}

func TestRollingWriter_KeepsPreviousGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "capture-glz.log")
	w, err := NewRollingFile(path, 100)
	if err != nil {
		t.Fatalf("NewRollingFile() error = %v", err)
	}
	defer w.Close()

	for _, line := range []string{"first 40 bytes of ffmpeg stderr ......\n", "second 40 bytes of ffmpeg stderr .....\n", "third line rolls the file ............\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	cur, _ := os.ReadFile(path)
	prev, _ := os.ReadFile(path + PrevSuffix)
	if !strings.HasPrefix(string(cur), "third") || len(cur) > 100 {
		t.Errorf("current generation = %q", cur)
	}
	if !strings.HasPrefix(string(prev), "first") || !strings.Contains(string(prev), "second") {
		t.Errorf("previous generation = %q", prev)
	}
}

func TestRollingWriter_OversizedWriteLands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	rw, err := newRollingWriter(path, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	big := strings.Repeat("z", 64)
	if n, err := rw.Write([]byte(big)); err != nil || n != len(big) {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if _, err := os.Stat(path + PrevSuffix); !os.IsNotExist(err) {
		t.Error("an empty file was rolled")
	}
}

func TestRollingWriter_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	if err := os.WriteFile(path, []byte("old\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rw, err := newRollingWriter(path, 1024)
	if err != nil {
		t.Fatal(err)
	}
	rw.Write([]byte("new\n"))
	rw.Close()

	if data, _ := os.ReadFile(path); string(data) != "old\nnew\n" {
		t.Errorf("file = %q", data)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("RADIODIGEST_LOG_PATH", "")
	if got := Path("/var/log/radiodigest"); got != "/var/log/radiodigest/radiodigest-diag.ndjson" {
		t.Errorf("Path() = %s", got)
	}
	t.Setenv("RADIODIGEST_LOG_PATH", "/tmp/journal.ndjson")
	if got := Path("/var/log/radiodigest"); got != "/tmp/journal.ndjson" {
		t.Errorf("Path() with env = %s", got)
	}
}

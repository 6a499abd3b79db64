package testutil

import (
	"encoding/json"
	"testing"
	"time"
)

// WaitForCondition polls condition every 10ms and fails the test if it is
// still false after timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met within %v", msg, timeout)
}

// AssertJSONContainsKey fails unless data is a JSON object with key.
func AssertJSONContainsKey(t *testing.T, data []byte, key string) {
	t.Helper()
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("invalid JSON %q: %v", data, err)
	}
	if _, ok := obj[key]; !ok {
		t.Fatalf("JSON does not contain key %q: %s", key, data)
	}
}

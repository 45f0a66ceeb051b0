package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Info("session loaded", map[string]interface{}{"sessionID": "s1"})
	l.Error("send failed", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var evt Event
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if evt.Level != "info" || evt.Message != "session loaded" {
		t.Fatalf("event = %+v", evt)
	}
	if evt.Fields["sessionID"] != "s1" {
		t.Fatalf("fields = %v", evt.Fields)
	}
	if evt.Timestamp == "" {
		t.Fatal("timestamp missing")
	}

	if err := json.Unmarshal([]byte(lines[1]), &evt); err != nil {
		t.Fatalf("second line is not JSON: %v", err)
	}
	if evt.Level != "error" {
		t.Fatalf("level = %q", evt.Level)
	}
}

func TestDiscardDoesNotPanic(t *testing.T) {
	l := Discard()
	l.Info("ignored", nil)
	l.Warn("ignored", map[string]interface{}{"k": "v"})
}

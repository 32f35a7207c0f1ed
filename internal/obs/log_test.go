package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestErrorIncludesCause(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	fields := map[string]any{"user_id": "alice"}
	Error("store failure", errors.New("connection reset"), fields)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "error" || entry["msg"] != "store failure" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["error"] != "connection reset" || entry["user_id"] != "alice" {
		t.Fatalf("fields missing: %v", entry)
	}
	if _, ok := fields["error"]; ok {
		t.Fatal("caller map was mutated")
	}
}

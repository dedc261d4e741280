package events

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func countLines(data []byte) int {
	nonEmpty := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) > 0 {
			nonEmpty++
		}
	}
	return nonEmpty
}

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "events.jsonl")

	logger, err := NewLogger(LoggerOptions{
		Path:          logPath,
		RetentionDays: 30,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if logger.file == nil {
		t.Error("Expected file to be opened")
	}
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(LoggerOptions{
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	if logger.file != nil {
		t.Error("Expected file to be nil when disabled")
	}

	// Logging should be a no-op
	err = logger.Log(NewEvent(EventAgentRegister, "builder", nil))
	if err != nil {
		t.Errorf("Log on disabled logger should not error: %v", err)
	}
}

func TestLogger_Log(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "events.jsonl")

	logger, err := NewLogger(LoggerOptions{
		Path:    logPath,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	event := NewEvent(EventMessageDelivered, "reviewer", map[string]interface{}{
		"message_id": "msg-1",
		"from":       "builder",
	})
	if err := logger.Log(event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var logged Event
	if err := json.Unmarshal(data, &logged); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if logged.Type != EventMessageDelivered {
		t.Errorf("Type = %q, want %q", logged.Type, EventMessageDelivered)
	}

	if logged.Agent != "reviewer" {
		t.Errorf("Agent = %q, want %q", logged.Agent, "reviewer")
	}
}

func TestLogger_LogEvent(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "events.jsonl")

	logger, err := NewLogger(LoggerOptions{
		Path:    logPath,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	err = logger.LogEvent(EventMessageDelivered, "reviewer", MessageData{
		MessageID: "msg-7",
		From:      "builder",
		To:        "reviewer",
		Seq:       3,
	})
	if err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var logged Event
	if err := json.Unmarshal(data, &logged); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if logged.Type != EventMessageDelivered {
		t.Errorf("Type = %q, want %q", logged.Type, EventMessageDelivered)
	}

	if seq, ok := logged.Data["seq"].(float64); !ok || uint64(seq) != 3 {
		t.Errorf("seq = %v, want 3", logged.Data["seq"])
	}
}

func TestLogger_MultipleEvents(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "events.jsonl")

	logger, err := NewLogger(LoggerOptions{
		Path:    logPath,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		logger.LogEvent(EventAgentRegister, "agent-"+string(rune('a'+i)), nil)
	}
	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if got := countLines(data); got != 5 {
		t.Errorf("Got %d events, want 5", got)
	}
}

func TestRotateOldEntries(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "events.jsonl")

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -35)
	recent := now.AddDate(0, 0, -5)

	entries := []Event{
		{Timestamp: old, Type: EventAgentRegister, Agent: "old"},
		{Timestamp: recent, Type: EventAgentRegister, Agent: "recent"},
		{Timestamp: now, Type: EventAgentRegister, Agent: "now"},
	}

	var data []byte
	for _, e := range entries {
		line, _ := json.Marshal(e)
		data = append(data, line...)
		data = append(data, '\n')
	}

	if err := os.WriteFile(logPath, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	logger, err := NewLogger(LoggerOptions{
		Path:          logPath,
		RetentionDays: 30,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	// Force rotation
	logger.lastRotation = time.Time{}
	if err := logger.rotateOldEntries(); err != nil {
		t.Fatalf("rotateOldEntries failed: %v", err)
	}
	logger.Close()

	data, err = os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	nonEmpty := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) > 0 {
			nonEmpty++
			var e Event
			json.Unmarshal(line, &e)
			if e.Agent == "old" {
				t.Error("Old entry should have been rotated out")
			}
		}
	}

	if nonEmpty != 2 {
		t.Errorf("Got %d entries after rotation, want 2", nonEmpty)
	}
}

func TestExpandPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}

	for _, tt := range tests {
		got := expandPath(tt.input)
		if got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	// Test ~ expansion (can't test exact value since it depends on user)
	expanded := expandPath("~/test")
	if expanded == "~/test" {
		t.Error("expandPath should have expanded ~")
	}
}

func TestToMap(t *testing.T) {
	data := MessageData{
		MessageID: "msg-1",
		From:      "builder",
		To:        "reviewer",
	}

	m := ToMap(data)

	if m["message_id"] != "msg-1" {
		t.Errorf("message_id = %v, want msg-1", m["message_id"])
	}

	if m["from"] != "builder" {
		t.Errorf("from = %v, want builder", m["from"])
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now()
	event := NewEvent(EventAgentRegister, "builder", map[string]interface{}{"key": "value"})
	after := time.Now()

	if event.Type != EventAgentRegister {
		t.Errorf("Type = %q, want %q", event.Type, EventAgentRegister)
	}

	if event.Agent != "builder" {
		t.Errorf("Agent = %q, want %q", event.Agent, "builder")
	}

	if event.Timestamp.Before(before.Add(-time.Second)) || event.Timestamp.After(after.Add(time.Second)) {
		t.Error("Timestamp should be near now")
	}
}

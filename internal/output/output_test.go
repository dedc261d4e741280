package output

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestFormatString(t *testing.T) {
	if FormatText.String() != "text" {
		t.Errorf("FormatText.String() = %q", FormatText.String())
	}
	if FormatJSON.String() != "json" {
		t.Errorf("FormatJSON.String() = %q", FormatJSON.String())
	}
}

func TestDetectFormatFlagWins(t *testing.T) {
	t.Setenv("RELAY_OUTPUT_FORMAT", "text")
	if got := DetectFormat(true); got != FormatJSON {
		t.Errorf("DetectFormat(true) = %v, want json", got)
	}
}

func TestDetectFormatEnv(t *testing.T) {
	t.Setenv("RELAY_OUTPUT_FORMAT", "json")
	if got := DetectFormat(false); got != FormatJSON {
		t.Errorf("DetectFormat with env json = %v, want json", got)
	}
}

func TestFormatterJSON(t *testing.T) {
	var buf bytes.Buffer
	f := New(WithJSON(true), WithWriter(&buf), WithPretty(false))
	if !f.IsJSON() {
		t.Fatal("expected JSON formatter")
	}
	if err := f.JSON(map[string]int{"n": 3}); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var out map[string]int
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["n"] != 3 {
		t.Errorf("n = %d, want 3", out["n"])
	}
}

func TestOutputDataTextMode(t *testing.T) {
	var buf bytes.Buffer
	f := New(WithWriter(&buf))
	err := f.OutputData(map[string]string{"k": "v"}, func(w io.Writer) error {
		_, werr := io.WriteString(w, "plain text\n")
		return werr
	})
	if err != nil {
		t.Fatalf("OutputData: %v", err)
	}
	if buf.String() != "plain text\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestTableAlignment(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "AGENT", "STATE")
	tbl.AddRow("builder", "idle")
	tbl.AddRow("rev", "busy")
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	// STATE column starts at the same offset in every line.
	want := strings.Index(lines[0], "STATE")
	if idx := strings.Index(lines[2], "idle"); idx != want {
		t.Errorf("idle at col %d, want %d", idx, want)
	}
	if idx := strings.Index(lines[3], "busy"); idx != want {
		t.Errorf("busy at col %d, want %d", idx, want)
	}
}

func TestTableShortRow(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "A", "B", "C")
	tbl.AddRow("only")
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(buf.String(), "only") {
		t.Errorf("missing cell: %q", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"hello world", 8, "hello w…"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestWrap(t *testing.T) {
	got := Wrap("one two three four", 9)
	for _, line := range strings.Split(got, "\n") {
		if len(line) > 9 {
			t.Errorf("line %q exceeds width", line)
		}
	}
	if Wrap("unchanged", 0) != "unchanged" {
		t.Error("zero width should pass through")
	}
}

func TestCLIErrorChaining(t *testing.T) {
	err := NewCLIError("daemon not running").
		WithCause("connection refused").
		WithHint("relay daemon").
		WithCode("DAEMON_DOWN")

	if err.Error() != "daemon not running" {
		t.Errorf("Error() = %q", err.Error())
	}
	resp := err.JSON()
	if resp.Code != "DAEMON_DOWN" || resp.Hint != "relay daemon" {
		t.Errorf("JSON() = %+v", resp)
	}
}

func TestFormatCLIErrorPlain(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	got := FormatCLIError(NewCLIError("boom").WithCause("disk full").WithHint("free space"))
	for _, want := range []string{"error:", "boom", "cause:", "disk full", "hint:", "free space"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted error missing %q:\n%s", want, got)
		}
	}
}

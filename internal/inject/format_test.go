package inject

import (
	"strings"
	"testing"
)

func intp(v int) *int { return &v }

func TestFormatBasic(t *testing.T) {
	m := QueuedMessage{
		From:      "Alice",
		Body:      "Hello there",
		MessageID: "abcdef1234567890",
	}
	got := Format(m)
	want := "Relay message from Alice [abcdef12]: Hello there"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatIdempotent(t *testing.T) {
	messages := []QueuedMessage{
		{From: "Alice", Body: "plain body", MessageID: "11112222"},
		{From: "Bob", Body: "with\nnewlines\nhere", MessageID: "33334444", Thread: "t-9"},
		{From: "Carol", Body: "\x1b[31mansi noise\x1b[0m", MessageID: "55556666", Importance: intp(80)},
		{From: "Dave", Body: "channel note", MessageID: "77778888", OriginalTo: "#dev"},
		{From: "Eve", Body: "broadcast", MessageID: "9999aaaa", OriginalTo: "*", Importance: intp(95)},
	}

	for _, m := range messages {
		once := Format(m)
		twice := Format(QueuedMessage{From: m.From, Body: once, MessageID: m.MessageID})
		if once != twice {
			t.Errorf("not idempotent:\n once: %q\ntwice: %q", once, twice)
		}
	}
}

func TestFormatDoubleWrapGuard(t *testing.T) {
	// A body that already carries the prefix after a relay hop is returned
	// normalized, never re-wrapped.
	body := "Relay message from Alice [abcdef12]: original"
	got := Format(QueuedMessage{From: "Relay", Body: body, MessageID: "ffff0000"})
	if got != body {
		t.Errorf("re-wrapped: %q", got)
	}
	if strings.Count(got, DeliveryPrefix) != 1 {
		t.Errorf("nested prefixes in %q", got)
	}
}

func TestFormatNewlinesCollapsed(t *testing.T) {
	got := Format(QueuedMessage{From: "A", Body: "line one\n\n  line two\ttabbed", MessageID: "12345678"})
	if strings.ContainsAny(got, "\n\t") {
		t.Errorf("whitespace not collapsed: %q", got)
	}
	if !strings.Contains(got, "line one line two tabbed") {
		t.Errorf("body mangled: %q", got)
	}
}

func TestFormatDashboardSenderName(t *testing.T) {
	m := QueuedMessage{
		From:      "Dashboard",
		Body:      "hi",
		MessageID: "12345678",
		Data:      map[string]string{"senderName": "Operator"},
	}
	if got := Format(m); !strings.Contains(got, "from Operator ") {
		t.Errorf("senderName override ignored: %q", got)
	}

	// Only Dashboard senders may override; others keep From.
	m.From = "Alice"
	if got := Format(m); !strings.Contains(got, "from Alice ") {
		t.Errorf("non-Dashboard override applied: %q", got)
	}

	// Empty senderName falls back to From.
	m.From = "Dashboard"
	m.Data = map[string]string{"senderName": ""}
	if got := Format(m); !strings.Contains(got, "from Dashboard ") {
		t.Errorf("empty senderName not ignored: %q", got)
	}
}

func TestFormatHints(t *testing.T) {
	tests := []struct {
		name string
		msg  QueuedMessage
		want string
	}{
		{
			name: "thread",
			msg:  QueuedMessage{From: "A", Body: "b", MessageID: "12345678", Thread: "t-1"},
			want: "[thread:t-1]",
		},
		{
			name: "broadcast",
			msg:  QueuedMessage{From: "A", Body: "b", MessageID: "12345678", OriginalTo: "*"},
			want: "[#all]",
		},
		{
			name: "channel",
			msg:  QueuedMessage{From: "A", Body: "b", MessageID: "12345678", OriginalTo: "#dev"},
			want: "[#dev]",
		},
		{
			name: "high importance",
			msg:  QueuedMessage{From: "A", Body: "b", MessageID: "12345678", Importance: intp(75)},
			want: "[!!]",
		},
		{
			name: "medium importance",
			msg:  QueuedMessage{From: "A", Body: "b", MessageID: "12345678", Importance: intp(65)},
			want: "[!]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.msg)
			if !strings.Contains(got, tt.want) {
				t.Errorf("Format = %q, missing %s", got, tt.want)
			}
		})
	}
}

func TestFormatImportanceHintNonOverlapping(t *testing.T) {
	got := Format(QueuedMessage{From: "A", Body: "b", MessageID: "12345678", Importance: intp(75)})
	if strings.Contains(got, "[!]:") || strings.Contains(got, "[!][!!]") || strings.Contains(got, "[!!][!]") {
		t.Errorf("overlapping importance hints: %q", got)
	}
	if strings.Count(got, "[!!]") != 1 {
		t.Errorf("expected exactly one [!!]: %q", got)
	}
}

func TestFormatAttemptPrefixes(t *testing.T) {
	m := QueuedMessage{From: "A", Body: "b", MessageID: "12345678"}

	if got := FormatAttempt(m, 0); strings.HasPrefix(got, "[") {
		t.Errorf("first attempt should carry no retry prefix: %q", got)
	}
	if got := FormatAttempt(m, 1); !strings.HasPrefix(got, RetryPrefix) {
		t.Errorf("second attempt missing RETRY prefix: %q", got)
	}
	if got := FormatAttempt(m, 2); !strings.HasPrefix(got, UrgentPrefix) {
		t.Errorf("third attempt missing URGENT prefix: %q", got)
	}
	if got := FormatAttempt(m, 5); !strings.HasPrefix(got, UrgentPrefix) {
		t.Errorf("later attempts keep URGENT prefix: %q", got)
	}
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		importance *int
		want       Band
	}{
		{intp(95), BandUrgent},
		{intp(90), BandUrgent},
		{intp(75), BandHigh},
		{intp(70), BandHigh},
		{intp(50), BandNormal},
		{intp(30), BandNormal},
		{intp(10), BandLow},
		{intp(0), BandLow},
		{nil, BandNormal},
	}
	for _, tt := range tests {
		if got := BandFor(tt.importance); got != tt.want {
			t.Errorf("BandFor(%v) = %v, want %v", tt.importance, got, tt.want)
		}
	}
}

// Package inject turns queued inbound messages into literal text written to
// a target agent's terminal input. It owns the priority queue, the delivery
// prefix format, and the idle heuristic that decides when writing is safe.
package inject

import (
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/relay/internal/parser"
)

// DeliveryPrefix is the canonical marker for injected relay messages. A body
// that already carries it is never wrapped again, no matter how many relay
// hops it crossed.
const DeliveryPrefix = "Relay message from"

const (
	// RetryPrefix marks the first redelivery attempt.
	RetryPrefix = "[RETRY] "
	// UrgentPrefix marks second and later redelivery attempts.
	UrgentPrefix = "[URGENT - PLEASE ACKNOWLEDGE] "
)

// dashboardSender is the reserved From value whose messages may carry a
// display name override in Data.
const dashboardSender = "Dashboard"

// QueuedMessage is one inbound delivery waiting in the injection queue.
type QueuedMessage struct {
	From       string
	Body       string
	MessageID  string
	Thread     string
	OriginalTo string
	Importance *int // 0-100, nil means normal
	Data       map[string]string
}

// Band is a priority band derived from importance.
type Band int

const (
	BandUrgent Band = iota // importance >= 90
	BandHigh               // importance >= 70
	BandNormal             // importance >= 30, or unset
	BandLow                // everything else
)

// String returns the band name.
func (b Band) String() string {
	switch b {
	case BandUrgent:
		return "urgent"
	case BandHigh:
		return "high"
	case BandNormal:
		return "normal"
	default:
		return "low"
	}
}

// BandFor maps an importance value to its priority band.
func BandFor(importance *int) Band {
	if importance == nil {
		return BandNormal
	}
	switch v := *importance; {
	case v >= 90:
		return BandUrgent
	case v >= 70:
		return BandHigh
	case v >= 30:
		return BandNormal
	default:
		return BandLow
	}
}

// Format renders the literal delivery text for a message.
//
// If the normalized body already starts with the delivery prefix the
// normalized body is returned unchanged, which makes Format idempotent
// across relay hops.
func Format(m QueuedMessage) string {
	body := normalizeBody(m.Body)
	if strings.HasPrefix(body, DeliveryPrefix) {
		return body
	}

	displayName := m.From
	if m.From == dashboardSender {
		if name := m.Data["senderName"]; name != "" {
			displayName = name
		}
	}

	shortID := m.MessageID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	var hints strings.Builder
	if m.Thread != "" {
		fmt.Fprintf(&hints, "[thread:%s]", m.Thread)
	}
	switch {
	case m.OriginalTo == "*":
		hints.WriteString("[#all]")
	case strings.HasPrefix(m.OriginalTo, "#"):
		fmt.Fprintf(&hints, "[#%s]", strings.TrimPrefix(m.OriginalTo, "#"))
	}
	if m.Importance != nil {
		// Non-overlapping: only the higher threshold applies.
		if *m.Importance >= 70 {
			hints.WriteString("[!!]")
		} else if *m.Importance >= 60 {
			hints.WriteString("[!]")
		}
	}

	return fmt.Sprintf("%s %s [%s]%s: %s", DeliveryPrefix, displayName, shortID, hints.String(), body)
}

// FormatAttempt renders the delivery text for the given redelivery attempt
// (0 = first try). Formatting failures never drop a message: the fallback is
// the minimal literal body.
func FormatAttempt(m QueuedMessage, attempt int) string {
	text := Format(m)
	if text == "" {
		text = normalizeBody(m.Body)
	}
	switch {
	case attempt >= 2:
		return UrgentPrefix + text
	case attempt == 1:
		return RetryPrefix + text
	default:
		return text
	}
}

// normalizeBody strips ANSI codes and collapses all whitespace runs,
// including newlines, into single spaces.
func normalizeBody(body string) string {
	return strings.Join(strings.Fields(parser.StripANSI(body)), " ")
}

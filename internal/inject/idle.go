package inject

import (
	"regexp"
	"strings"
	"time"

	"github.com/Dicklesworthstone/relay/internal/parser"
)

// ActivitySnapshot captures what the wrapper knows about the target terminal
// at the moment an injection decision is made.
type ActivitySnapshot struct {
	// LastOutput is when the terminal last produced any output.
	LastOutput time.Time
	// LastLine is the most recent visible output line.
	LastLine string
	// Now is the decision time (injectable for tests).
	Now time.Time
}

// IdleStrategy scores how confident we are that the terminal is idle enough
// to accept injected text without interrupting output mid-stream. Scores are
// in [0, 1]. The exact heuristic is deliberately pluggable: the right
// thresholds vary per underlying CLI tool and need empirical tuning.
type IdleStrategy interface {
	Score(s ActivitySnapshot) float64
}

// DefaultConfidenceThreshold is the score at or above which injection
// proceeds.
const DefaultConfidenceThreshold = 0.7

// promptRegexes match common interactive prompts at end of line. A prompt on
// the last line is strong evidence the tool is waiting for input.
var promptRegexes = []*regexp.Regexp{
	regexp.MustCompile(`[>›❯]\s*$`),
	regexp.MustCompile(`[$%]\s*$`),
	regexp.MustCompile(`(?i)\b(yes/no|y/n)\b.*$`),
}

// QuietWindowStrategy is the default idle heuristic: output quiescence for a
// short window grants base confidence, and a prompt-looking last line grants
// the rest.
type QuietWindowStrategy struct {
	// QuietWindow is how long the terminal must be silent before any
	// confidence is granted.
	QuietWindow time.Duration
	// FullConfidenceAfter is the silence duration at which quiescence alone
	// yields full marks even without a recognizable prompt.
	FullConfidenceAfter time.Duration
}

// NewQuietWindowStrategy returns the default strategy configuration.
func NewQuietWindowStrategy() *QuietWindowStrategy {
	return &QuietWindowStrategy{
		QuietWindow:         1500 * time.Millisecond,
		FullConfidenceAfter: 30 * time.Second,
	}
}

// Score implements IdleStrategy.
func (q *QuietWindowStrategy) Score(s ActivitySnapshot) float64 {
	now := s.Now
	if now.IsZero() {
		now = time.Now()
	}
	silent := now.Sub(s.LastOutput)
	if silent < q.QuietWindow {
		return 0
	}

	score := 0.5
	if q.FullConfidenceAfter > q.QuietWindow {
		extra := float64(silent-q.QuietWindow) / float64(q.FullConfidenceAfter-q.QuietWindow)
		if extra > 1 {
			extra = 1
		}
		score += 0.3 * extra
	}

	line := strings.TrimSpace(parser.StripANSI(s.LastLine))
	for _, re := range promptRegexes {
		if re.MatchString(line) {
			score += 0.4
			break
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// AlwaysIdleStrategy reports full confidence unconditionally. Useful in
// tests and for supervised agents with no live terminal.
type AlwaysIdleStrategy struct{}

// Score implements IdleStrategy.
func (AlwaysIdleStrategy) Score(ActivitySnapshot) float64 { return 1 }

package stuck

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/relay/internal/parser"
)

// defaultErrorPatterns match lines that indicate a failing operation. The
// error_loop check counts recurrences of the same matching line.
var defaultErrorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^error[:\s]`),
	regexp.MustCompile(`(?i)\bfailed\b`),
	regexp.MustCompile(`(?i)rate[\s._-]?limit`),
	regexp.MustCompile(`(?i)\bexception\b`),
	regexp.MustCompile(`(?i)permission denied`),
	regexp.MustCompile(`(?i)command not found`),
	regexp.MustCompile(`panic:`),
}

// DefaultErrorPatterns returns a copy of the built-in error line patterns,
// for callers that want to extend rather than replace them.
func DefaultErrorPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(defaultErrorPatterns))
	copy(out, defaultErrorPatterns)
	return out
}

// Config holds detector tuning. Zero values select the defaults.
type Config struct {
	// CheckInterval is how often the periodic check runs.
	CheckInterval time.Duration
	// ExtendedIdle is the silence duration that declares extended_idle.
	ExtendedIdle time.Duration
	// LoopThreshold is the recurrence count for error_loop and output_loop.
	LoopThreshold int
	// RecentLines is how many normalized output lines are retained for the
	// loop checks.
	RecentLines int
	// ToolLoopThreshold is the per-target invocation count for tool_loop.
	ToolLoopThreshold int
	// ToolLoopWindow is the sliding window for tool_loop.
	ToolLoopWindow time.Duration
	// OutputFloodMinDuration is how long monitoring must run before the
	// flood check is evaluated at all.
	OutputFloodMinDuration time.Duration
	// OutputFloodLinesPerMinute is the flood rate threshold.
	OutputFloodLinesPerMinute float64
	// ErrorPatterns overrides the default error line patterns.
	ErrorPatterns []*regexp.Regexp
	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CheckInterval <= 0 {
		out.CheckInterval = 30 * time.Second
	}
	if out.ExtendedIdle <= 0 {
		out.ExtendedIdle = 10 * time.Minute
	}
	if out.LoopThreshold <= 0 {
		out.LoopThreshold = 3
	}
	if out.RecentLines <= 0 {
		out.RecentLines = 50
	}
	if out.ToolLoopThreshold <= 0 {
		out.ToolLoopThreshold = 10
	}
	if out.ToolLoopWindow <= 0 {
		out.ToolLoopWindow = 5 * time.Minute
	}
	if out.OutputFloodMinDuration <= 0 {
		out.OutputFloodMinDuration = 2 * time.Minute
	}
	if out.OutputFloodLinesPerMinute <= 0 {
		out.OutputFloodLinesPerMinute = 5000
	}
	if out.ErrorPatterns == nil {
		out.ErrorPatterns = defaultErrorPatterns
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Detector monitors one agent's output stream. Feed it output with
// RecordOutput and tool operations with RecordToolInvocation; it emits
// stuck/unstuck events on the Events channel. The periodic check runs on its
// own timer and is fully stoppable without leaking it.
type Detector struct {
	cfg    Config
	events chan Event

	mu         sync.Mutex
	startedAt  time.Time
	lastOutput time.Time
	recent     []string
	tools      []ToolInvocation
	lineCount  int
	stuck      bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Detector with the given configuration.
func New(cfg Config) *Detector {
	c := cfg.withDefaults()
	now := c.Now()
	return &Detector{
		cfg:        c,
		events:     make(chan Event, 16),
		startedAt:  now,
		lastOutput: now,
	}
}

// Events returns the channel on which stuck/unstuck events are delivered.
func (d *Detector) Events() <-chan Event {
	return d.events
}

// Start launches the periodic check. Stop or ctx cancellation ends it.
func (d *Detector) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Check()
			}
		}
	}()
}

// Stop ends the periodic check and waits for the timer goroutine to exit.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

// RecordOutput feeds a chunk of the agent's output stream. Any output while
// in the stuck state immediately transitions to unstuck and clears
// accumulated detection state.
func (d *Detector) RecordOutput(chunk string) {
	now := d.cfg.Now()

	d.mu.Lock()
	if d.stuck {
		d.stuck = false
		d.resetStateLocked(now)
		d.mu.Unlock()
		d.emit(Event{Type: EventUnstuck, Timestamp: now, Details: "output resumed"})
		return
	}

	d.lastOutput = now
	for _, line := range strings.Split(chunk, "\n") {
		norm := normalizeLine(line)
		if norm == "" {
			continue
		}
		d.lineCount++
		d.recent = append(d.recent, norm)
		if len(d.recent) > d.cfg.RecentLines {
			d.recent = d.recent[len(d.recent)-d.cfg.RecentLines:]
		}
	}
	d.pruneToolsLocked(now)
	d.mu.Unlock()
}

// RecordToolInvocation notes a detected file/tool operation. The target is
// normalized so different spellings of the same path count together.
func (d *Detector) RecordToolInvocation(tool, target string) {
	now := d.cfg.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools = append(d.tools, ToolInvocation{
		Tool:      tool,
		Target:    normalizeTarget(target),
		Timestamp: now,
	})
	d.pruneToolsLocked(now)
}

// ToolInvocations returns the invocations still inside the sliding window.
func (d *Detector) ToolInvocations() []ToolInvocation {
	now := d.cfg.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneToolsLocked(now)
	out := make([]ToolInvocation, len(d.tools))
	copy(out, d.tools)
	return out
}

// IsStuck reports whether the agent is currently declared stuck.
func (d *Detector) IsStuck() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stuck
}

// Reset clears all accumulated state without touching configuration.
func (d *Detector) Reset() {
	now := d.cfg.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stuck = false
	d.resetStateLocked(now)
}

// Check runs the five detection rules once, in priority order. The first
// match wins; nothing is re-emitted while already stuck.
func (d *Detector) Check() {
	now := d.cfg.Now()

	d.mu.Lock()
	if d.stuck {
		d.mu.Unlock()
		return
	}

	event, found := d.evaluateLocked(now)
	if found {
		d.stuck = true
	}
	d.mu.Unlock()

	if found {
		d.emit(event)
	}
}

// evaluateLocked applies the checks. Must hold d.mu.
func (d *Detector) evaluateLocked(now time.Time) (Event, bool) {
	// 1. extended_idle
	if idle := now.Sub(d.lastOutput); idle >= d.cfg.ExtendedIdle {
		return Event{
			Type:      EventStuck,
			Reason:    ReasonExtendedIdle,
			Details:   fmt.Sprintf("no output for %s", idle.Round(time.Second)),
			Timestamp: now,
			IdleFor:   idle,
		}, true
	}

	// 2. error_loop
	if line, count := d.repeatedLineLocked(true); count >= d.cfg.LoopThreshold {
		return Event{
			Type:      EventStuck,
			Reason:    ReasonErrorLoop,
			Details:   fmt.Sprintf("error line repeated %d times", count),
			Timestamp: now,
			Line:      line,
			Count:     count,
		}, true
	}

	// 3. output_loop
	if line, count := d.repeatedLineLocked(false); count >= d.cfg.LoopThreshold {
		return Event{
			Type:      EventStuck,
			Reason:    ReasonOutputLoop,
			Details:   fmt.Sprintf("output line repeated %d times", count),
			Timestamp: now,
			Line:      line,
			Count:     count,
		}, true
	}

	// 4. tool_loop
	d.pruneToolsLocked(now)
	counts := make(map[string]int)
	for _, inv := range d.tools {
		counts[inv.Target]++
		if counts[inv.Target] >= d.cfg.ToolLoopThreshold {
			return Event{
				Type:      EventStuck,
				Reason:    ReasonToolLoop,
				Details:   fmt.Sprintf("target %q touched %d times in window", inv.Target, counts[inv.Target]),
				Timestamp: now,
				Target:    inv.Target,
				Count:     counts[inv.Target],
			}, true
		}
	}

	// 5. output_flood
	elapsed := now.Sub(d.startedAt)
	if elapsed >= d.cfg.OutputFloodMinDuration {
		rate := float64(d.lineCount) / elapsed.Minutes()
		if rate > d.cfg.OutputFloodLinesPerMinute {
			return Event{
				Type:           EventStuck,
				Reason:         ReasonOutputFlood,
				Details:        fmt.Sprintf("%.0f lines/minute", rate),
				Timestamp:      now,
				LinesPerMinute: rate,
			}, true
		}
	}

	return Event{}, false
}

// repeatedLineLocked finds the most repeated retained line. When errorsOnly
// is set, only lines matching an error pattern are counted. Must hold d.mu.
func (d *Detector) repeatedLineLocked(errorsOnly bool) (string, int) {
	counts := make(map[string]int)
	var bestLine string
	var bestCount int
	for _, line := range d.recent {
		if errorsOnly && !d.matchesErrorLocked(line) {
			continue
		}
		counts[line]++
		if counts[line] > bestCount {
			bestLine, bestCount = line, counts[line]
		}
	}
	return bestLine, bestCount
}

func (d *Detector) matchesErrorLocked(line string) bool {
	for _, re := range d.cfg.ErrorPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// pruneToolsLocked drops invocations older than the sliding window.
// Must hold d.mu.
func (d *Detector) pruneToolsLocked(now time.Time) {
	cutoff := now.Add(-d.cfg.ToolLoopWindow)
	keep := d.tools[:0]
	for _, inv := range d.tools {
		if inv.Timestamp.After(cutoff) {
			keep = append(keep, inv)
		}
	}
	d.tools = keep
}

// resetStateLocked clears accumulated detection state. Must hold d.mu.
func (d *Detector) resetStateLocked(now time.Time) {
	d.startedAt = now
	d.lastOutput = now
	d.recent = nil
	d.tools = nil
	d.lineCount = 0
}

// emit delivers an event without ever blocking the caller. If nobody is
// draining the channel the oldest unread event is dropped first; drops are
// logged because a discarded unstuck event leaves observers out of date.
func (d *Detector) emit(e Event) {
	select {
	case d.events <- e:
	default:
		select {
		case dropped := <-d.events:
			d.cfg.Logger.Debug("detector event channel full, dropping oldest",
				"dropped", dropped.Type, "pending", e.Type)
		default:
		}
		select {
		case d.events <- e:
		default:
			d.cfg.Logger.Debug("detector event channel full, dropping event",
				"type", e.Type)
		}
	}
}

// normalizeLine strips ANSI codes and collapses whitespace for comparison.
func normalizeLine(line string) string {
	return strings.Join(strings.Fields(parser.StripANSI(line)), " ")
}

// normalizeTarget canonicalizes a file/command target path.
func normalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return target
	}
	return filepath.Clean(target)
}

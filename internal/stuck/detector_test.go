package stuck

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeClock is an advanceable clock for detector tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func drainEvents(d *Detector) []Event {
	var events []Event
	for {
		select {
		case e := <-d.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestExtendedIdle(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{
		ExtendedIdle:  5 * time.Second,
		CheckInterval: time.Second,
		Now:           clock.Now,
	})

	// Simulate six 1s ticks with no output.
	for i := 0; i < 6; i++ {
		clock.Advance(time.Second)
		d.Check()
	}

	events := drainEvents(d)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d: %+v", len(events), events)
	}
	if events[0].Reason != ReasonExtendedIdle {
		t.Errorf("reason = %s", events[0].Reason)
	}
	if events[0].IdleFor < 5*time.Second {
		t.Errorf("idleFor = %s", events[0].IdleFor)
	}
}

func TestNoIdleEventBeforeThreshold(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{ExtendedIdle: 5 * time.Second, Now: clock.Now})

	clock.Advance(4 * time.Second)
	d.RecordOutput("still alive\n")
	clock.Advance(4 * time.Second)
	d.Check()

	if events := drainEvents(d); len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
}

func TestErrorLoop(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{LoopThreshold: 3, Now: clock.Now})

	for i := 0; i < 3; i++ {
		d.RecordOutput("Error: connection refused\n")
	}
	d.Check()

	events := drainEvents(d)
	if len(events) != 1 || events[0].Reason != ReasonErrorLoop {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Count < 3 {
		t.Errorf("count = %d", events[0].Count)
	}
}

func TestErrorLoopBeatsOutputLoop(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{LoopThreshold: 3, Now: clock.Now})

	// Both an error line and a benign line repeat; error_loop has priority.
	for i := 0; i < 3; i++ {
		d.RecordOutput("Error: boom\nworking on it\n")
	}
	d.Check()

	events := drainEvents(d)
	if len(events) != 1 || events[0].Reason != ReasonErrorLoop {
		t.Fatalf("events = %+v", events)
	}
}

func TestOutputLoop(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{LoopThreshold: 3, Now: clock.Now})

	for i := 0; i < 3; i++ {
		d.RecordOutput("retrying the same step\n")
	}
	d.Check()

	events := drainEvents(d)
	if len(events) != 1 || events[0].Reason != ReasonOutputLoop {
		t.Fatalf("events = %+v", events)
	}
}

func TestOutputLoopNormalization(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{LoopThreshold: 3, Now: clock.Now})

	// Same line with varying ANSI noise and spacing counts as one line.
	d.RecordOutput("\x1b[32msame   line\x1b[0m\n")
	d.RecordOutput("same line\n")
	d.RecordOutput("  same  line  \n")
	d.Check()

	events := drainEvents(d)
	if len(events) != 1 || events[0].Reason != ReasonOutputLoop {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Line != "same line" {
		t.Errorf("line = %q", events[0].Line)
	}
}

func TestToolLoop(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{ToolLoopThreshold: 5, ToolLoopWindow: 5 * time.Minute, Now: clock.Now})

	for i := 0; i < 5; i++ {
		d.RecordToolInvocation("edit", "src/main.go")
		clock.Advance(time.Second)
	}
	d.Check()

	events := drainEvents(d)
	if len(events) != 1 || events[0].Reason != ReasonToolLoop {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Target != "src/main.go" {
		t.Errorf("target = %q", events[0].Target)
	}
}

func TestToolLoopWindowPruning(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{ToolLoopThreshold: 5, ToolLoopWindow: time.Minute, Now: clock.Now})

	for i := 0; i < 4; i++ {
		d.RecordToolInvocation("edit", "src/main.go")
	}
	if got := len(d.ToolInvocations()); got != 4 {
		t.Fatalf("invocations = %d, want 4", got)
	}

	// Advance past the window; old invocations no longer count.
	clock.Advance(2 * time.Minute)
	if got := len(d.ToolInvocations()); got != 0 {
		t.Errorf("invocations after window = %d, want 0", got)
	}

	d.RecordToolInvocation("edit", "src/main.go")
	d.Check()
	if events := drainEvents(d); len(events) != 0 {
		t.Errorf("pruned invocations should not trigger tool_loop: %+v", events)
	}
}

func TestToolTargetNormalization(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{Now: clock.Now})

	d.RecordToolInvocation("edit", "src//main.go")
	d.RecordToolInvocation("edit", "./src/main.go")

	invs := d.ToolInvocations()
	if len(invs) != 2 {
		t.Fatalf("invocations = %d", len(invs))
	}
	if invs[0].Target != invs[1].Target {
		t.Errorf("targets differ: %q vs %q", invs[0].Target, invs[1].Target)
	}
}

func TestOutputFlood(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{
		OutputFloodMinDuration:    2 * time.Minute,
		OutputFloodLinesPerMinute: 100,
		ExtendedIdle:              time.Hour,
		LoopThreshold:             1000,
		Now:                       clock.Now,
	})

	// Not evaluated before the minimum duration elapses.
	for i := 0; i < 500; i++ {
		d.RecordOutput("flood line number " + strconv.Itoa(i) + "\n")
	}
	clock.Advance(time.Minute)
	d.Check()
	if events := drainEvents(d); len(events) != 0 {
		t.Fatalf("flood declared too early: %+v", events)
	}

	clock.Advance(90 * time.Second)
	d.RecordOutput("one more unique line to keep idle away\n")
	d.Check()

	events := drainEvents(d)
	if len(events) != 1 || events[0].Reason != ReasonOutputFlood {
		t.Fatalf("events = %+v", events)
	}
	if events[0].LinesPerMinute <= 100 {
		t.Errorf("rate = %v", events[0].LinesPerMinute)
	}
}

func TestUnstuckOnNewOutput(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{ExtendedIdle: 5 * time.Second, Now: clock.Now})

	clock.Advance(6 * time.Second)
	d.Check()
	if !d.IsStuck() {
		t.Fatal("expected stuck after idle")
	}
	drainEvents(d)

	d.RecordOutput("back to work\n")
	if d.IsStuck() {
		t.Error("new output should clear the stuck state")
	}

	events := drainEvents(d)
	if len(events) != 1 || events[0].Type != EventUnstuck {
		t.Fatalf("events = %+v", events)
	}

	// Detection restarts from a clean slate.
	clock.Advance(3 * time.Second)
	d.Check()
	if events := drainEvents(d); len(events) != 0 {
		t.Errorf("expected no re-declaration yet: %+v", events)
	}
}

func TestNoReEmissionWhileStuck(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{ExtendedIdle: 5 * time.Second, Now: clock.Now})

	clock.Advance(6 * time.Second)
	d.Check()
	d.Check()
	d.Check()

	if events := drainEvents(d); len(events) != 1 {
		t.Errorf("expected one event despite repeated checks, got %d", len(events))
	}
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{ExtendedIdle: 5 * time.Second, LoopThreshold: 3, Now: clock.Now})

	d.RecordOutput("Error: x\nError: x\n")
	d.RecordToolInvocation("edit", "f.go")
	clock.Advance(6 * time.Second)
	d.Reset()

	d.Check()
	if events := drainEvents(d); len(events) != 0 {
		t.Errorf("state survived Reset: %+v", events)
	}
	if got := len(d.ToolInvocations()); got != 0 {
		t.Errorf("tool invocations survived Reset: %d", got)
	}
}

func TestStartStopNoLeak(t *testing.T) {
	clock := newFakeClock()
	d := New(Config{CheckInterval: 10 * time.Millisecond, Now: clock.Now})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	d.Stop()
	// Stop waits for the timer goroutine; calling Check afterwards is safe.
	d.Check()
}

func TestEmitOverflowKeepsNewest(t *testing.T) {
	d := New(Config{})

	// Fill the channel well past capacity with nobody draining, then emit
	// the transition that matters. The oldest events give way; the newest
	// must survive so an undrained unstuck is never the one lost.
	for i := 0; i < 40; i++ {
		d.emit(Event{Type: EventStuck, Reason: ReasonExtendedIdle})
	}
	d.emit(Event{Type: EventUnstuck})

	var last Event
	for {
		select {
		case e := <-d.events:
			last = e
			continue
		default:
		}
		break
	}
	if last.Type != EventUnstuck {
		t.Errorf("newest event = %s, want unstuck", last.Type)
	}
}

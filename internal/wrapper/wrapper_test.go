package wrapper

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/relay/internal/daemon"
	"github.com/Dicklesworthstone/relay/internal/events"
	"github.com/Dicklesworthstone/relay/internal/inject"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) (*daemon.Server, string) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "daemon.sock")
	srv := daemon.NewServer(daemon.Config{SocketPath: socket, Logger: testLogger()})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, socket
}

// safeBuffer is a concurrency-safe io.Writer for asserting injected text.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newWrapper(t *testing.T, socket, agent string, cfg Config) *Wrapper {
	t.Helper()
	cfg.Agent = agent
	cfg.SocketPath = socket
	if cfg.Input == nil {
		cfg.Input = &safeBuffer{}
	}
	if cfg.Strategy == nil {
		cfg.Strategy = inject.AlwaysIdleStrategy{}
	}
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = 20 * time.Millisecond
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewEventBus(16)
	}
	cfg.Logger = testLogger()
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("creating wrapper for %s: %v", agent, err)
	}
	return w
}

func runWrapper(t *testing.T, w *Wrapper) (io.Writer, func()) {
	t.Helper()
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background(), pr)
	}()
	stop := func() {
		pw.Close()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("wrapper did not stop")
		}
	}
	t.Cleanup(stop)
	return pw, stop
}

func TestTriggerBecomesDelivery(t *testing.T) {
	_, socket := startServer(t)

	receiver, err := daemon.Dial(socket, "reviewer", daemon.ClientOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("dialing receiver: %v", err)
	}
	defer receiver.Close()

	w := newWrapper(t, socket, "builder", Config{})
	out, _ := runWrapper(t, w)

	io.WriteString(out, "some build output\n->relay:reviewer please check module A\n")

	select {
	case d := <-receiver.Deliveries():
		if d.From != "builder" {
			t.Errorf("From = %q, want builder", d.From)
		}
		if d.Payload.Body != "please check module A" {
			t.Errorf("Body = %q", d.Payload.Body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestDeliveryInjectedWhenIdle(t *testing.T) {
	_, socket := startServer(t)

	input := &safeBuffer{}
	w := newWrapper(t, socket, "builder", Config{Input: input})
	runWrapper(t, w)

	sender, err := daemon.Dial(socket, "planner", daemon.ClientOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("dialing sender: %v", err)
	}
	defer sender.Close()

	if err := sender.Send("builder", "start on the parser", daemon.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return strings.Contains(input.String(), "Relay message from planner")
	}, "injected text never appeared")

	if !strings.Contains(input.String(), "start on the parser") {
		t.Errorf("injected text missing body: %q", input.String())
	}
}

func TestDeliveryHeldWhileBusy(t *testing.T) {
	_, socket := startServer(t)

	input := &safeBuffer{}
	// A strategy that never clears the threshold.
	w := newWrapper(t, socket, "builder", Config{
		Input:    input,
		Strategy: scoreStrategy(0),
	})
	runWrapper(t, w)

	sender, err := daemon.Dial(socket, "planner", daemon.ClientOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("dialing sender: %v", err)
	}
	defer sender.Close()

	if err := sender.Send("builder", "held message", daemon.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return w.QueueLen() == 1 }, "message never queued")
	time.Sleep(100 * time.Millisecond)
	if got := input.String(); got != "" {
		t.Errorf("injected while busy: %q", got)
	}
	if w.QueueLen() != 1 {
		t.Errorf("QueueLen = %d, want 1", w.QueueLen())
	}
}

type scoreStrategy float64

func (s scoreStrategy) Score(inject.ActivitySnapshot) float64 { return float64(s) }

func TestSyncSendAckedAfterInjection(t *testing.T) {
	_, socket := startServer(t)

	input := &safeBuffer{}
	w := newWrapper(t, socket, "builder", Config{Input: input})
	runWrapper(t, w)

	sender, err := daemon.Dial(socket, "planner", daemon.ClientOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("dialing sender: %v", err)
	}
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sender.SendSync(ctx, "builder", "blocking question", 3*time.Second, daemon.SendOptions{}); err != nil {
		t.Fatalf("sync send: %v", err)
	}

	// The ack only fires once the text is in front of the agent.
	if !strings.Contains(input.String(), "blocking question") {
		t.Errorf("sync body not injected before ack: %q", input.String())
	}
}

func TestSpawnAndReleaseCallbacks(t *testing.T) {
	_, socket := startServer(t)

	type spawn struct{ name, cli, task string }
	spawns := make(chan spawn, 1)
	releases := make(chan string, 1)

	w := newWrapper(t, socket, "planner", Config{
		OnSpawn: func(name, cli, task string) {
			spawns <- spawn{name, cli, task}
		},
		OnRelease: func(name string) {
			releases <- name
		},
	})
	out, _ := runWrapper(t, w)

	io.WriteString(out, "->relay:spawn worker cli=codex fix the flaky test\n")
	io.WriteString(out, "->relay:release worker\n")

	select {
	case got := <-spawns:
		want := spawn{"worker", "codex", "fix the flaky test"}
		if got != want {
			t.Errorf("spawn = %+v, want %+v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("spawn callback never fired")
	}
	select {
	case got := <-releases:
		if got != "worker" {
			t.Errorf("release = %q, want worker", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("release callback never fired")
	}
}

func TestDisplayPassthroughHidesTriggers(t *testing.T) {
	_, socket := startServer(t)

	receiver, err := daemon.Dial(socket, "reviewer", daemon.ClientOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("dialing receiver: %v", err)
	}
	defer receiver.Close()

	display := &safeBuffer{}
	w := newWrapper(t, socket, "builder", Config{Display: display})
	out, _ := runWrapper(t, w)

	io.WriteString(out, "visible line\n->relay:reviewer hidden message\nmore output\n")

	select {
	case <-receiver.Deliveries():
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never arrived")
	}

	waitFor(t, 3*time.Second, func() bool {
		return strings.Contains(display.String(), "more output")
	}, "display passthrough incomplete")

	got := display.String()
	if !strings.Contains(got, "visible line\n") {
		t.Errorf("display missing visible line: %q", got)
	}
	if strings.Contains(got, "hidden message") {
		t.Errorf("trigger line leaked to display: %q", got)
	}
}

func TestCarriageReturnRedrawCountsAsActivity(t *testing.T) {
	_, socket := startServer(t)

	display := &safeBuffer{}
	w := newWrapper(t, socket, "builder", Config{Display: display})
	out, _ := runWrapper(t, w)

	// A progress bar that repaints with \r and no \n is ongoing output,
	// not silence: it must reach the display and reset the idle clock.
	io.WriteString(out, "fetching 10%\rfetching 60%\rfetching 95%\r")

	waitFor(t, 3*time.Second, func() bool {
		return strings.Contains(display.String(), "fetching 60%")
	}, "carriage-return repaint never surfaced as output")

	status := w.Status()
	if status.LastOutputMs > 2000 {
		t.Errorf("LastOutputMs = %d, repaints did not reset the idle clock", status.LastOutputMs)
	}
}

func TestHandleOutbox(t *testing.T) {
	_, socket := startServer(t)

	receiver, err := daemon.Dial(socket, "reviewer", daemon.ClientOptions{Logger: testLogger()})
	if err != nil {
		t.Fatalf("dialing receiver: %v", err)
	}
	defer receiver.Close()

	w := newWrapper(t, socket, "builder", Config{})
	runWrapper(t, w)

	content := "TO: reviewer\nTHREAD: parser\n\nthe fix is ready"
	if err := w.HandleOutbox(context.Background(), content); err != nil {
		t.Fatalf("HandleOutbox: %v", err)
	}

	select {
	case d := <-receiver.Deliveries():
		if d.Payload.Body != "the fix is ready" {
			t.Errorf("Body = %q", d.Payload.Body)
		}
		if d.Payload.Thread != "parser" {
			t.Errorf("Thread = %q, want parser", d.Payload.Thread)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("outbox delivery never arrived")
	}
}

func TestHandleOutboxBadAwait(t *testing.T) {
	_, socket := startServer(t)
	w := newWrapper(t, socket, "builder", Config{})
	runWrapper(t, w)

	err := w.HandleOutbox(context.Background(), "TO: reviewer\nAWAIT: -5\n\nbody")
	if err == nil {
		t.Fatal("expected error for invalid await value")
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"\n\n", ""},
		{"one\n", "one"},
		{"one\ntwo\n", "two"},
		{"one\ntwo", "two"},
		{"one\n\n\n", "one"},
		{"prompt> ", "prompt> "},
	}
	for _, tt := range tests {
		if got := lastNonEmptyLine(tt.in); got != tt.want {
			t.Errorf("lastNonEmptyLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

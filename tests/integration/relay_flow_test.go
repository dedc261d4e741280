package integration

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/relay/internal/daemon"
	"github.com/Dicklesworthstone/relay/internal/inject"
	"github.com/Dicklesworthstone/relay/internal/mailbox"
	"github.com/Dicklesworthstone/relay/internal/parser"
	"github.com/Dicklesworthstone/relay/internal/wrapper"
	"github.com/Dicklesworthstone/relay/tests/testutil"
)

// lockedBuffer collects injected bytes across goroutines.
type lockedBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func startWrapped(t *testing.T, socket, agent string) (*wrapper.Wrapper, io.Writer, *lockedBuffer) {
	t.Helper()
	input := &lockedBuffer{}
	w, err := wrapper.New(wrapper.Config{
		Agent:         agent,
		SocketPath:    socket,
		Input:         input,
		Strategy:      inject.AlwaysIdleStrategy{},
		DrainInterval: 20 * time.Millisecond,
		Logger:        testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("wrapper for %s: %v", agent, err)
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background(), pr)
	}()
	t.Cleanup(func() {
		pw.Close()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("wrapper did not stop")
		}
	})
	return w, pw, input
}

// TestTwoAgentConversation drives the full path: a trigger in one agent's
// output becomes injected text in the other agent's input, and the reply
// comes back the same way.
func TestTwoAgentConversation(t *testing.T) {
	_, socket := testutil.StartDaemon(t)

	_, builderOut, builderIn := startWrapped(t, socket, "builder")
	_, reviewerOut, reviewerIn := startWrapped(t, socket, "reviewer")

	io.WriteString(builderOut, "->relay:reviewer parser changes are ready\n")

	testutil.WaitFor(t, 3*time.Second, func() bool {
		return strings.Contains(reviewerIn.String(), "parser changes are ready")
	}, "reviewer never saw the message")
	if !strings.Contains(reviewerIn.String(), "Relay message from builder") {
		t.Errorf("injected text missing delivery prefix: %q", reviewerIn.String())
	}

	io.WriteString(reviewerOut, "->relay:builder looks good, ship it\n")

	testutil.WaitFor(t, 3*time.Second, func() bool {
		return strings.Contains(builderIn.String(), "looks good, ship it")
	}, "builder never saw the reply")
}

// TestBroadcastReachesAllButSender exercises fanout through real wrappers.
func TestBroadcastReachesAllButSender(t *testing.T) {
	_, socket := testutil.StartDaemon(t)

	_, senderOut, senderIn := startWrapped(t, socket, "planner")
	_, _, aIn := startWrapped(t, socket, "builder")
	_, _, bIn := startWrapped(t, socket, "reviewer")

	io.WriteString(senderOut, "->relay:* standup in five\n")

	testutil.WaitFor(t, 3*time.Second, func() bool {
		return strings.Contains(aIn.String(), "standup in five") &&
			strings.Contains(bIn.String(), "standup in five")
	}, "broadcast did not reach both recipients")
	if !strings.Contains(aIn.String(), "[#all]") {
		t.Errorf("broadcast hint missing: %q", aIn.String())
	}

	time.Sleep(100 * time.Millisecond)
	if strings.Contains(senderIn.String(), "standup in five") {
		t.Error("sender received its own broadcast")
	}
}

// TestMailboxToDelivery drives the supervised path: an outbox file dropped
// into a mailbox ends up injected into the target agent.
func TestMailboxToDelivery(t *testing.T) {
	_, socket := testutil.StartDaemon(t)

	_, _, targetIn := startWrapped(t, socket, "builder")

	sender := testutil.Dial(t, socket, "batch-worker")
	mboxPath := filepath.Join(t.TempDir(), "batch-worker.mbox")

	sup := mailbox.NewSupervisor(
		mailbox.New(mboxPath, testutil.Logger(t)),
		func(ctx context.Context, content string) error {
			cmd, err := parser.ParseOutbox(content)
			if err != nil {
				return err
			}
			return sender.Send(cmd.Target, cmd.Body, daemon.SendOptions{Thread: cmd.Thread})
		},
		mailbox.SupervisorConfig{PollInterval: 50 * time.Millisecond, Logger: testutil.Logger(t)},
	)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("starting supervisor: %v", err)
	}
	defer sup.Stop()

	testutil.DropMailbox(t, mboxPath, "TO: builder\nTHREAD: batch\n\nnightly import finished")

	testutil.WaitFor(t, 3*time.Second, func() bool {
		return strings.Contains(targetIn.String(), "nightly import finished")
	}, "mailbox content never delivered")
}

// TestSyncQuestionAnswer exercises AWAIT round-trips end to end: a blocking
// send resolves only after the recipient wrapper injects and acks.
func TestSyncQuestionAnswer(t *testing.T) {
	_, socket := testutil.StartDaemon(t)

	_, _, responderIn := startWrapped(t, socket, "builder")
	asker := testutil.Dial(t, socket, "planner")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := asker.SendSync(ctx, "builder", "status?", 3*time.Second, daemon.SendOptions{}); err != nil {
		t.Fatalf("blocking send: %v", err)
	}
	if !strings.Contains(responderIn.String(), "status?") {
		t.Errorf("question not injected before ack: %q", responderIn.String())
	}
}

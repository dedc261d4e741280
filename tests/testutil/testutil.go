// Package testutil provides shared helpers for relay integration tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Dicklesworthstone/relay/internal/daemon"
)

// Logger returns a discard slog logger for quiet test runs. Set
// RELAY_TEST_VERBOSE to surface component logs while debugging.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	if os.Getenv("RELAY_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RequireUnixSockets skips the test on platforms without Unix domain
// sockets.
func RequireUnixSockets(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not available, skipping test")
	}
}

// StartDaemon starts an in-process relay daemon on a temporary socket and
// returns it with its socket path. Shutdown is handled via t.Cleanup.
func StartDaemon(t *testing.T) (*daemon.Server, string) {
	t.Helper()
	RequireUnixSockets(t)

	socket := filepath.Join(t.TempDir(), "daemon.sock")
	srv := daemon.NewServer(daemon.Config{
		SocketPath: socket,
		Logger:     Logger(t),
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("starting daemon: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, socket
}

// Dial connects a test client to the daemon socket.
func Dial(t *testing.T, socket, agent string) *daemon.Client {
	t.Helper()
	client, err := daemon.Dial(socket, agent, daemon.ClientOptions{Logger: Logger(t)})
	if err != nil {
		t.Fatalf("dialing daemon as %q: %v", agent, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// DropMailbox atomically places content into a mailbox file the way a
// supervised agent would: write a temp file, then rename it into place.
func DropMailbox(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating mailbox dir: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("writing mailbox temp file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("publishing mailbox file: %v", err)
	}
}

// WaitFor polls cond until it returns true or the timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
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

// WaitDelivery receives one delivery or fails the test.
func WaitDelivery(t *testing.T, client *daemon.Client, timeout time.Duration) daemon.Delivery {
	t.Helper()
	select {
	case d := <-client.Deliveries():
		return d
	case <-time.After(timeout):
		t.Fatal("delivery never arrived")
		return daemon.Delivery{}
	}
}

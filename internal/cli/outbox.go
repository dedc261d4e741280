package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dicklesworthstone/relay/internal/daemon"
	"github.com/Dicklesworthstone/relay/internal/parser"
)

// dispatchOutbox routes one claimed outbox batch for a supervised agent
// (one with no live terminal). Messages go to the daemon; spawn/release
// requests cannot be honored without a wrapper and are logged.
func dispatchOutbox(ctx context.Context, client *daemon.Client, content string) error {
	cmd, err := parser.ParseOutbox(content)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case parser.KindSpawn, parser.KindRelease:
		slog.Warn("outbox spawn/release ignored in supervised mode",
			"kind", cmd.Kind, "name", cmd.SpawnName+cmd.ReleaseName)
		return nil
	}

	opts := daemon.SendOptions{Thread: cmd.Thread}
	if cmd.Kind == parser.KindContinuity {
		opts.Data = map[string]string{"continuity": "true"}
	}

	if cmd.Sync != nil && cmd.Sync.Blocking {
		timeout := time.Duration(cmd.Sync.TimeoutMs) * time.Millisecond
		ack, err := client.SendSync(ctx, cmd.Target, cmd.Body, timeout, opts)
		if err != nil {
			return fmt.Errorf("blocking send to %s: %w", cmd.Target, err)
		}
		if ack.Response != "" {
			slog.Info("blocking send acknowledged", "to", cmd.Target, "response", ack.Response)
		}
		return nil
	}

	if err := client.Send(cmd.Target, cmd.Body, opts); err != nil {
		return fmt.Errorf("send to %s: %w", cmd.Target, err)
	}
	return nil
}

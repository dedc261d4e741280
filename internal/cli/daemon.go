package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/relay/internal/daemon"
	"github.com/Dicklesworthstone/relay/internal/events"
	"github.com/Dicklesworthstone/relay/internal/output"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the relay message daemon",
	Long: `Run the relay daemon in the foreground.

The daemon owns the agent registry and routes messages between wrapped
agents over a Unix socket. Wrappers and the CLI find it via the configured
socket path (--socket, RELAY_SOCKET, or config.toml).

Examples:
  relay daemon
  relay daemon --socket /tmp/relay.sock`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	bus := events.NewEventBus(256)

	logger, err := events.NewLogger(events.LoggerOptions{
		Path:          cfg.Events.LogPath,
		RetentionDays: cfg.Events.RetentionDays,
		Enabled:       cfg.Events.Enabled,
	})
	if err != nil {
		return output.NewCLIError("cannot open event log").WithCause(err.Error())
	}
	defer logger.Close()
	unsub := bus.SubscribeAll(func(e events.BusEvent) {
		if err := logger.LogBusEvent(e); err != nil {
			slog.Warn("event log write failed", "error", err)
		}
	})
	defer unsub()

	srv := daemon.NewServer(daemon.Config{
		SocketPath:        cfg.Daemon.SocketPath,
		MaxFrameBytes:     cfg.Daemon.MaxFrameBytes,
		HeartbeatInterval: time.Duration(cfg.Daemon.HeartbeatIntervalMs) * time.Millisecond,
		Logger:            slog.Default(),
		Bus:               bus,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return output.NewCLIError("daemon failed to start").
			WithCause(err.Error()).
			WithHint("is another daemon already listening on the socket?")
	}
	defer srv.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "relay daemon listening on %s\n", srv.Addr())

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
	return nil
}

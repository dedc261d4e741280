package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/relay/internal/daemon"
	"github.com/Dicklesworthstone/relay/internal/mailbox"
	"github.com/Dicklesworthstone/relay/internal/output"
)

var watchCmd = &cobra.Command{
	Use:   "watch AGENT",
	Short: "Run the supervised loop for an agent",
	Long: `Connect to the daemon as AGENT and keep running: outbox commands
dropped into the agent's mailbox are routed to the daemon, and inbound
deliveries are printed (JSON lines with --json).

Use this for agents that have no live terminal to wrap, for example a
batch worker that communicates purely through mailbox files.

Examples:
  relay watch builder
  relay watch builder --json | jq .body`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	agent := args[0]
	jsonMode := output.DetectFormat(jsonOutput) == output.FormatJSON

	client, err := dialDaemon(agent)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := mailbox.NewSupervisor(
		mailbox.New(cfg.MailboxPath(agent), slog.Default()),
		func(ctx context.Context, content string) error {
			return dispatchOutbox(ctx, client, content)
		},
		mailbox.SupervisorConfig{
			PollInterval: time.Duration(cfg.Mailbox.PollIntervalMs) * time.Millisecond,
			Logger:       slog.Default(),
		},
	)
	if err := sup.Start(ctx); err != nil {
		return output.NewCLIError("cannot watch mailbox").WithCause(err.Error())
	}
	defer sup.Stop()

	if !jsonMode {
		fmt.Printf("watching mailbox %s as %q\n", cfg.MailboxPath(agent), agent)
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return output.NewCLIError("daemon connection lost").
				WithHint("restart with: relay watch " + agent)
		case d := <-client.Deliveries():
			printDelivery(enc, d, jsonMode)
			if err := client.Ack(d.Payload.CorrelationID, d.Payload.Delivery.Seq, ""); err != nil {
				slog.Warn("ack failed", "seq", d.Payload.Delivery.Seq, "error", err)
			}
		}
	}
}

func printDelivery(enc *json.Encoder, d daemon.Delivery, jsonMode bool) {
	if jsonMode {
		enc.Encode(map[string]interface{}{
			"from":        d.From,
			"body":        d.Payload.Body,
			"thread":      d.Payload.Thread,
			"message_id":  d.Payload.MessageID,
			"seq":         d.Payload.Delivery.Seq,
			"original_to": d.Payload.Delivery.OriginalTo,
		})
		return
	}
	styles := output.DefaultStyles()
	tag := ""
	if d.Payload.Delivery.OriginalTo == "*" {
		tag = " [broadcast]"
	}
	fmt.Printf("%s%s: %s\n", styles.Info.Render(d.From), tag, d.Payload.Body)
}

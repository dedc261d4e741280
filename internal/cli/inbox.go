package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/relay/internal/mailbox"
	"github.com/Dicklesworthstone/relay/internal/output"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox AGENT",
	Short: "Process an agent's mailbox once",
	Long: `Claim AGENT's mailbox, route any outbox commands found in it to the
daemon, and exit. Content that fails to route is merged back into the
mailbox, nothing is lost.

This is the single-shot form of "relay watch AGENT", useful from cron or
as a hook.

Examples:
  relay inbox builder`,
	Args: cobra.ExactArgs(1),
	RunE: runInbox,
}

func init() {
	rootCmd.AddCommand(inboxCmd)
}

func runInbox(cmd *cobra.Command, args []string) error {
	agent := args[0]

	client, err := dialDaemon(agent)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	mbox := mailbox.New(cfg.MailboxPath(agent), slog.Default())
	processed := 0
	for {
		claim, err := mbox.Claim()
		if err != nil {
			return output.NewCLIError("mailbox claim failed").WithCause(err.Error())
		}
		if claim == nil {
			break
		}
		if err := dispatchOutbox(ctx, client, claim.Content); err != nil {
			claim.Fail()
			return output.NewCLIError("outbox routing failed, content merged back").
				WithCause(err.Error())
		}
		if err := claim.Complete(); err != nil {
			return err
		}
		processed++
	}

	return formatter().OutputData(
		map[string]int{"processed": processed},
		func(w io.Writer) error {
			_, werr := fmt.Fprintf(w, "processed %d mailbox batch(es)\n", processed)
			return werr
		},
	)
}

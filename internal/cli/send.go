package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/relay/internal/daemon"
	"github.com/Dicklesworthstone/relay/internal/output"
	"github.com/Dicklesworthstone/relay/internal/util"
)

var (
	sendFrom       string
	sendThread     string
	sendImportance int
	sendAwait      string
)

var sendCmd = &cobra.Command{
	Use:   "send TARGET MESSAGE...",
	Short: "Send a message to an agent",
	Long: `Send a one-shot message to a connected agent.

TARGET is an agent name or "*" for broadcast. With --await the command
blocks until the recipient acknowledges (or the timeout passes) and prints
the acknowledgement response.

Examples:
  relay send reviewer "please check the parser changes"
  relay send "*" "build is green"
  relay send builder --await 30s "are you done with module A?"
  relay send builder --importance 90 "production is down"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "sender name (default cli-<pid>)")
	sendCmd.Flags().StringVar(&sendThread, "thread", "", "thread identifier")
	sendCmd.Flags().IntVar(&sendImportance, "importance", -1, "importance 0-100")
	sendCmd.Flags().StringVar(&sendAwait, "await", "", "block for acknowledgement (e.g. 30s, 1m, true)")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	target := args[0]
	body := strings.Join(args[1:], " ")

	from := sendFrom
	if from == "" {
		from = fmt.Sprintf("cli-%d", os.Getpid())
	}

	client, err := dialDaemon(from)
	if err != nil {
		return err
	}
	defer client.Close()

	opts := daemon.SendOptions{Thread: sendThread}
	if sendImportance >= 0 {
		imp := sendImportance
		opts.Importance = &imp
	}

	timeout, blocking, err := util.ParseAwait(sendAwait)
	if err != nil {
		return output.NewCLIError("invalid --await value").WithCause(err.Error())
	}

	f := formatter()

	if !blocking {
		if err := client.Send(target, body, opts); err != nil {
			return fmt.Errorf("sending to %s: %w", target, err)
		}
		return f.OutputData(output.NewSuccess("sent"), func(w io.Writer) error {
			_, werr := fmt.Fprintln(w, "sent")
			return werr
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+2*time.Second)
	defer cancel()
	ack, err := client.SendSync(ctx, target, body, timeout, opts)
	if err != nil {
		if rej, ok := err.(*daemon.Rejected); ok {
			cliErr := output.NewCLIError(fmt.Sprintf("rejected by %s: %s", target, rej.Reason)).
				WithCode(string(rej.Code))
			if rej.Retryable() {
				cliErr = cliErr.WithHint(fmt.Sprintf("retry after %dms", rej.RetryAfterMs))
			}
			return cliErr
		}
		return err
	}

	type ackResult struct {
		Acknowledged bool              `json:"acknowledged"`
		Response     string            `json:"response,omitempty"`
		ResponseData map[string]string `json:"response_data,omitempty"`
	}
	return f.OutputData(ackResult{true, ack.Response, ack.ResponseData}, func(w io.Writer) error {
		if ack.Response != "" {
			_, werr := fmt.Fprintf(w, "acknowledged: %s\n", ack.Response)
			return werr
		}
		_, werr := fmt.Fprintln(w, "acknowledged")
		return werr
	})
}

// dialDaemon connects an ephemeral CLI client to the daemon.
func dialDaemon(name string) (*daemon.Client, error) {
	client, err := daemon.Dial(cfg.Daemon.SocketPath, name, daemon.ClientOptions{})
	if err != nil {
		return nil, output.NewCLIError("cannot connect to daemon").
			WithCause(err.Error()).
			WithHint("start it with: relay daemon")
	}
	return client, nil
}

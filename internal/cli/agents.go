package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/relay/internal/output"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents connected to the daemon",
	Long: `List agents currently connected to the relay daemon, with their
in-flight delivery counts and last-seen times.

Examples:
  relay agents
  relay agents --json | jq '.[].name'`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon(fmt.Sprintf("cli-%d", os.Getpid()))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	infos, err := client.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("querying daemon: %w", err)
	}

	// The CLI's own ephemeral connection is noise in the listing.
	self := client.Agent()
	filtered := infos[:0]
	for _, info := range infos {
		if info.Name != self {
			filtered = append(filtered, info)
		}
	}

	return formatter().OutputData(filtered, func(w io.Writer) error {
		if len(filtered) == 0 {
			_, werr := fmt.Fprintln(w, "No agents connected.")
			return werr
		}
		styles := output.DefaultStyles()
		tbl := output.NewTable(w, "AGENT", "CAPABILITIES", "IN-FLIGHT", "LAST SEEN")
		for _, info := range filtered {
			tbl.AddRow(
				styles.Header.Render(output.Truncate(info.Name, 24)),
				strings.Join(info.Capabilities, ","),
				strconv.Itoa(info.InFlight),
				formatAge(time.Since(info.LastSeen)),
			)
		}
		return tbl.Render()
	})
}

// formatAge renders a duration as a compact human age like "3s" or "2m10s".
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String() + " ago"
}

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := struct {
			Version string `json:"version"`
			Commit  string `json:"commit"`
			Date    string `json:"date"`
		}{Version, Commit, Date}
		return formatter().OutputData(info, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "relay %s (%s, %s)\n", Version, Commit, Date)
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Package cli implements the relay command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/relay/internal/config"
	"github.com/Dicklesworthstone/relay/internal/output"
)

var (
	cfgFile    string
	cfg        *config.Config
	socketFlag string
	verbose    bool

	// Global JSON output flag - inherited by all subcommands
	jsonOutput bool

	// Build information - set via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Agent relay - message passing between terminal AI agents",
	Long: `Relay connects terminal AI coding agents through a local daemon so they
can message each other, block on replies, and hand work around.

Quick Start:
  relay daemon                          # Start the message daemon
  relay wrap --agent builder -- claude  # Run an agent under the relay wrapper
  relay send reviewer "check module A"  # One-shot message from the CLI
  relay agents                          # List connected agents

Agents emit triggers in their own output to talk to each other:
  ->relay:reviewer please check the parser changes
  ->relay:* build is green`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			// A broken config file should not brick the CLI.
			fmt.Fprintf(os.Stderr, "warning: %v (using defaults)\n", err)
			cfg = config.Default()
		}
		if socketFlag != "" {
			cfg.Daemon.SocketPath = socketFlag
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		if cliErr, ok := err.(*output.CLIError); ok {
			if output.DetectFormat(jsonOutput) == output.FormatJSON {
				output.PrintJSON(cliErr.JSON())
			} else {
				fmt.Fprint(os.Stderr, output.FormatCLIError(cliErr))
			}
			return err
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/relay/config.toml)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "daemon socket path override")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

func setupLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// formatter returns the output formatter for the current invocation.
func formatter() *output.Formatter {
	return output.New(output.WithJSON(output.DetectFormat(jsonOutput) == output.FormatJSON))
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/scenesync/cmd/scenesync/commands"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "scenesync",
	Short: "scenesync - real-time scene replication between peers",
	Long: `scenesync - real-time scene replication between peers.

Every peer keeps a full copy of the scene. Local edits are diffed into
structural deltas, ordered so references always resolve, and broadcast to
every connected peer. A peer that joins late receives the whole scene first.

Available commands:
  serve   - Hold a scene and let peers join it
  join    - Join a scene served by another peer
  inspect - Show the saved scene or a running peer's status
  am      - Manage scenesync configuration ("I am")
  version - Show version information

Examples:
  scenesync serve --fixture studio.toml    # Serve a seeded scene on :8877
  scenesync join ws://studio.local:8877    # Join it from another machine
  scenesync inspect --url http://studio.local:8877
  scenesync am show --sources`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints config only, keep stderr quiet
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JoinCmd)
	rootCmd.AddCommand(commands.InspectCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

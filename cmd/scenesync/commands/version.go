package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/scenesync/codec"
	"github.com/teranos/scenesync/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show scenesync version information",
	Long: `Display version, wire protocol, build time, commit hash, and platform information.

With --check, report whether a peer announcing the given protocol version
could join this one.`,
	RunE: runVersion,
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
	VersionCmd.Flags().String("check", "", "Protocol version of another peer to check against")
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := version.Get()

	if remote, _ := cmd.Flags().GetString("check"); remote != "" {
		if err := codec.Compatible(remote); err != nil {
			return err
		}
		fmt.Printf("✓ Protocol %s is compatible with %s\n", remote, info.Protocol)
		return nil
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		output, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format version as JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Println(info.String())
	fmt.Printf("Platform: %s\n", info.Platform)
	fmt.Printf("Go: %s\n", info.GoVersion)
	return nil
}

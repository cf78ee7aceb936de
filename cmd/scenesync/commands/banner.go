package commands

import (
	"fmt"

	"github.com/teranos/scenesync/am"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, cfg *am.Config, p *peer) {
	cyan := "\033[36m"
	green := "\033[32m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	info := version.Get()
	status := p.replica.Status()

	fmt.Printf("\n%s%s   scenesync %s%s\n\n", cyan, bold, info.Version, reset)

	fmt.Printf("%s%s┌─ Peer ──────────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Peer:      %s", green, reset, status.Peer.Short())
	if status.Name != "" {
		fmt.Printf(" (%s)", status.Name)
	}
	fmt.Println()
	fmt.Printf("%s│%s Protocol:  %s (commit %s)\n", green, reset, info.Protocol, info.Short())
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s│%s Database:  %s\n", green, reset, cfg.GetDatabasePath())
	fmt.Printf("%s│%s Scene:     %d entities\n", green, reset, status.Entities)
	fmt.Printf("%s│%s Listen:    %s\n", green, reset, cfg.GetListenAddress())
	if cfg.Metrics.Enabled {
		fmt.Printf("%s│%s Metrics:   %s\n", green, reset, cfg.GetMetricsPath())
	}
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}

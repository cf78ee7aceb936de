package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
)

// JoinCmd joins a scene served by another peer
var JoinCmd = &cobra.Command{
	Use:   "join [url]",
	Short: "Join a scene served by another peer",
	Long: `Join the scene of a running peer. The joining peer receives the full
scene first, then every live edit.

The URL may be a bare host:port, an http(s) URL or a ws(s) URL; the scene
path is added when missing. Without an argument session.join_url is used.

With --listen the joined scene is also served to further peers.

Examples:
  scenesync join studio.local:8877
  scenesync join wss://studio.example.com/ws/scene
  scenesync join --listen :8878   # relay for peers behind this one`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJoin,
}

var joinFlags peerFlags

func init() {
	JoinCmd.Flags().StringVar(&joinFlags.listen, "listen", "", "Also serve the joined scene on this address")
	JoinCmd.Flags().StringVar(&joinFlags.dbPath, "db-path", "", "Custom database path (overrides config)")
	JoinCmd.Flags().StringVar(&joinFlags.name, "name", "", "Peer name shown to other peers (overrides peer.name)")
	JoinCmd.Flags().StringVar(&joinFlags.fixture, "fixture", "", "Seed an empty scene from a TOML fixture before joining")
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(joinFlags)
	if err != nil {
		return err
	}
	url := cfg.Session.JoinURL
	if len(args) == 1 {
		url = args[0]
	}
	if url == "" {
		return errors.WithHint(
			errors.NewInvalidRequestError("no scene to join"),
			"pass a URL or set session.join_url in am.toml",
		)
	}

	p, err := openPeer(cfg, joinFlags.fixture, logger.Logger)
	if err != nil {
		return err
	}
	p.watchConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go p.run(ctx)

	if joinFlags.listen != "" {
		go func() {
			if err := p.server.ListenAndServe(cfg.GetListenAddress()); err != nil {
				logger.Errorw("Relay server stopped", logger.FieldAddress, cfg.GetListenAddress(), logger.FieldError, err)
			}
		}()
		pterm.Info.Printf("Serving the joined scene on %s\n", cfg.GetListenAddress())
	}

	pterm.Info.Printf("Joining %s (press Ctrl+C to leave)\n", url)
	joinErr := p.server.Join(ctx, url)
	stop()

	if err := p.close(); err != nil {
		joinErr = errors.CombineErrors(joinErr, err)
	}
	if joinErr != nil {
		return joinErr
	}
	pterm.Success.Printf("Left the scene with %d entities\n", p.replica.Registry().Len())
	return nil
}

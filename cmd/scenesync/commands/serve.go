package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
)

// ServeCmd holds a scene and lets peers join it
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Hold a scene and let peers join it",
	Long: `Start a peer that holds the scene and accepts joining peers over WebSocket.

The scene is restored from the database on start and saved again on exit.
With --fixture an empty scene is seeded from a TOML fixture first.

Endpoints:
  /ws/scene    - replication sessions
  /api/status  - replica status as JSON
  /health      - liveness
  /metrics     - Prometheus metrics (when metrics.enabled)`,
	RunE: runServe,
}

var serveFlags peerFlags

func init() {
	ServeCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "Address to listen on (overrides session.listen)")
	ServeCmd.Flags().StringVar(&serveFlags.dbPath, "db-path", "", "Custom database path (overrides config)")
	ServeCmd.Flags().StringVar(&serveFlags.name, "name", "", "Peer name shown to other peers (overrides peer.name)")
	ServeCmd.Flags().StringVar(&serveFlags.fixture, "fixture", "", "Seed an empty scene from a TOML fixture")
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	cfg, err := loadConfig(serveFlags)
	if err != nil {
		return err
	}
	p, err := openPeer(cfg, serveFlags.fixture, logger.Logger)
	if err != nil {
		return err
	}

	printStartupBanner(verbosity, cfg, p)
	p.watchConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	errChan := make(chan error, 1)
	go func() {
		errChan <- p.server.ListenAndServe(cfg.GetListenAddress())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		if closeErr := p.close(); closeErr != nil {
			logger.Errorw("Shutdown failed", logger.FieldError, closeErr)
		}
		return errors.Wrap(err, "server stopped")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")
		cancel()

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- p.close()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Peer stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

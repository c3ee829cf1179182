package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/liveshare/core/relay"
)

var (
	relayPort int
	relayAddr string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay server",
	Long: `Run the websocket relay that connects hosts and clients.

The relay never inspects session traffic. It manages rooms: a host
creates one, clients join it, and payloads are forwarded between them
until the host disconnects.`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().IntVar(&relayPort, "port", 0, "port to listen on (overrides config)")
	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "full listen address, e.g. 0.0.0.0:8090")
}

func runRelay(cmd *cobra.Command, args []string) error {
	manager, _, logger, err := loadConfig()
	if err != nil {
		return err
	}

	addr := manager.Get().Relay.ListenAddr
	if relayAddr != "" {
		addr = relayAddr
	}
	if relayPort != 0 {
		addr = fmt.Sprintf(":%d", relayPort)
	}

	server := relay.NewServer(logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(addr) }()

	fmt.Fprintf(os.Stderr, "relay listening on %s\n", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

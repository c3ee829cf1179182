package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adalundhe/liveshare/core/sync"
)

var (
	joinSessionID string
	joinPassword  string
	joinRelayURL  string
	joinName      string
	joinMirrorDir string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a hosted session",
	Long: `Join a session as a participant.

The host's project is synchronized into a local replica and kept
current as edits arrive. With --mirror the replica is also written to
a directory on disk.`,
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
	joinCmd.Flags().StringVar(&joinSessionID, "session", "", "session id to join")
	joinCmd.Flags().StringVar(&joinPassword, "password", "", "session password")
	joinCmd.Flags().StringVar(&joinRelayURL, "relay-url", "", "relay websocket url (overrides config)")
	joinCmd.Flags().StringVar(&joinName, "name", "", "display name shown to participants")
	joinCmd.Flags().StringVar(&joinMirrorDir, "mirror", "", "directory to mirror the project into")
	joinCmd.MarkFlagRequired("session")
	joinCmd.MarkFlagRequired("password")
}

func runJoin(cmd *cobra.Command, args []string) error {
	manager, _, logger, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := manager.Get()

	relayURL := cfg.Relay.URL
	if joinRelayURL != "" {
		relayURL = joinRelayURL
	}
	name := joinName
	if name == "" {
		name = cfg.Session.DisplayName
	}

	client := sync.NewClient(logger, relayURL, cfg.TransportOptions(), nil, sync.ClientOptions{
		SessionID:   joinSessionID,
		Password:    joinPassword,
		ClientID:    "client-" + uuid.NewString()[:8],
		DisplayName: name,
		MirrorDir:   joinMirrorDir,
	})
	defer client.Close()

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to reach relay %s: %w", relayURL, err)
	}

	fmt.Fprintf(os.Stderr, "joined session %s\n", joinSessionID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-client.Done():
		return client.Err()
	case sig := <-sigCh:
		logger.Info("leaving session", "signal", sig.String())
		return nil
	}
}

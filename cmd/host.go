package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adalundhe/liveshare/core/storage"
	"github.com/adalundhe/liveshare/core/sync"
)

var (
	hostSessionID string
	hostDir       string
	hostRelayURL  string
	hostName      string
	hostNoWatch   bool
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Share a project directory",
	Long: `Host a collaborative session over a relay.

The project directory is loaded into the shared state, a session
password is generated and printed, and the directory is watched so
edits made outside the session merge back into it. The session ends
when the host exits.`,
	RunE: runHost,
}

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.Flags().StringVar(&hostSessionID, "session", "", "session id (generated when empty)")
	hostCmd.Flags().StringVar(&hostDir, "dir", ".", "project directory to share")
	hostCmd.Flags().StringVar(&hostRelayURL, "relay-url", "", "relay websocket url (overrides config)")
	hostCmd.Flags().StringVar(&hostName, "name", "", "display name shown to participants")
	hostCmd.Flags().BoolVar(&hostNoWatch, "no-watch", false, "do not watch the directory for disk edits")
}

func runHost(cmd *cobra.Command, args []string) error {
	manager, dirs, logger, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := manager.Get()

	sessionID := hostSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()[:8]
	}
	relayURL := cfg.Relay.URL
	if hostRelayURL != "" {
		relayURL = hostRelayURL
	}

	store, err := storage.Open(dirs.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	fatal := make(chan error, 1)
	link := sync.NewLink(logger, relayURL, cfg.TransportOptions(), nil, sync.LinkEvents{
		OnRoomCreated: func(id string) {
			logger.Info("room open on relay", "session", id)
		},
		OnClientJoined: func(n int) {
			logger.Info("client joined", "clients", n)
		},
		OnClientLeft: func(n int) {
			logger.Info("client left", "clients", n)
		},
		OnError: func(msg string) {
			fatal <- fmt.Errorf("relay rejected request: %s", msg)
		},
	})
	defer link.Close()

	engine := sync.NewEngine(logger, link, sync.Options{
		SessionID:    sessionID,
		HostID:       "host-" + uuid.NewString()[:8],
		RootDir:      hostDir,
		IdleTimeout:  cfg.Session.IdleTimeout,
		SessionStore: store,
		HistorySink:  store,
	})
	defer engine.Close()
	link.SetHandler(engine.HandleMessage)

	password, err := engine.Host()
	if err != nil {
		return err
	}

	if err := link.Connect(); err != nil {
		return fmt.Errorf("failed to reach relay %s: %w", relayURL, err)
	}
	if err := link.CreateRoom(sessionID); err != nil {
		return err
	}

	if !hostNoWatch && cfg.Watcher.Enabled {
		watcher, err := sync.NewWatcher(logger, engine, hostDir, cfg.Watcher.IgnorePatterns)
		if err != nil {
			return err
		}
		if err := watcher.Start(context.Background()); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	fmt.Printf("session:  %s\n", sessionID)
	fmt.Printf("password: %s\n", password)
	fmt.Printf("relay:    %s\n", relayURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-fatal:
		return err
	case sig := <-sigCh:
		logger.Info("ending session", "signal", sig.String())
		return nil
	}
}

// Package cmd provides the liveshare CLI: a relay server and the host
// and join sides of a collaborative editing session.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adalundhe/liveshare/core/config"
	"github.com/adalundhe/liveshare/core/storage"
)

var (
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "liveshare",
	Short: "Real-time collaborative editing over a relay",
	Long: `Liveshare synchronizes a project directory between a host and any
number of clients in real time. A host shares its working tree, clients
join with a session id and password, and every edit is transformed and
relayed live. Out-of-band disk edits on the host are merged back into
the shared state.

A session needs a relay all parties can reach:

  liveshare relay --port 8090
  liveshare host --session my-session --dir .
  liveshare join --session my-session --password A1B2C3D4`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig resolves directories, loads settings, and builds the
// process logger.
func loadConfig() (*config.Manager, *storage.Dirs, *slog.Logger, error) {
	dirs := storage.ResolveDirs()
	if err := dirs.EnsureAll(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to prepare directories: %w", err)
	}

	manager := config.NewManager(dirs)
	if err := manager.Load(); err != nil {
		return nil, nil, nil, err
	}

	level := manager.Get().Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	return manager, dirs, logger, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package storage persists session records and conflict-resolution
// history in a local bbolt database, and resolves the platform-native
// directories that hold it.
package storage

import (
	"os"
	"path/filepath"
	"sync"
)

// Dirs holds the platform-appropriate directories the tool writes to.
type Dirs struct {
	Config string // settings
	Data   string // the database
	State  string // logs
}

var (
	globalDirs     *Dirs
	globalDirsOnce sync.Once
)

// ResolveDirs returns platform-appropriate directories, honoring XDG
// overrides. Results are cached after the first call.
func ResolveDirs() *Dirs {
	globalDirsOnce.Do(func() {
		globalDirs = &Dirs{
			Config: resolveDir("XDG_CONFIG_HOME", platformConfigDefault()),
			Data:   resolveDir("XDG_DATA_HOME", platformDataDefault()),
			State:  resolveDir("XDG_STATE_HOME", platformStateDefault()),
		}
	})
	return globalDirs
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, "liveshare")
	}
	return fallback
}

// DatabasePath returns the default location of the bbolt database.
func (d *Dirs) DatabasePath() string {
	return filepath.Join(d.Data, "liveshare.db")
}

// ConfigPath returns the default location of the config file.
func (d *Dirs) ConfigPath() string {
	return filepath.Join(d.Config, "config.yaml")
}

// LogDir returns the log directory.
func (d *Dirs) LogDir() string {
	return filepath.Join(d.State, "logs")
}

// EnsureAll creates the standard directories. Config is restricted to
// the owner since it may hold session passwords.
func (d *Dirs) EnsureAll() error {
	if err := os.MkdirAll(d.Config, 0700); err != nil {
		return err
	}
	for _, dir := range []string{d.Data, d.State, d.LogDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

//go:build windows

package storage

import (
	"os"
	"path/filepath"
)

func platformConfigDefault() string {
	return filepath.Join(os.Getenv("APPDATA"), "liveshare", "config")
}

func platformDataDefault() string {
	return filepath.Join(os.Getenv("APPDATA"), "liveshare", "data")
}

func platformStateDefault() string {
	return filepath.Join(os.Getenv("LOCALAPPDATA"), "liveshare", "state")
}

package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir     = ".config/stegofed"
	IdentityFileName = "identity.txt"
	// HomeEnv overrides the directory stegofed keeps its files in.
	HomeEnv = "STEGOFED_HOME"

	keysDir = "keys"
)

// Layout locates the files stegofed keeps next to its configuration: the
// config file, the age identity and store paths given relative in the config.
type Layout struct {
	Dir string
}

// DefaultLayout uses $STEGOFED_HOME, else ~/.config/stegofed, and creates the
// directory when missing.
func DefaultLayout() (Layout, error) {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Layout{}, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, AppConfigDir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Layout{}, fmt.Errorf("failed to create config directory: %w", err)
	}
	return Layout{Dir: dir}, nil
}

// Resolve returns rel when it exists in the working directory, otherwise rel
// under the layout directory. Absolute paths are returned unchanged.
func (l Layout) Resolve(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	if _, err := os.Stat(rel); err == nil {
		return rel
	}
	return filepath.Join(l.Dir, rel)
}

func (l Layout) ConfigFile() string {
	return l.Resolve(ConfigFileName)
}

// IdentityFile is where a generated age identity is kept.
func (l Layout) IdentityFile() string {
	return l.Resolve(filepath.Join(keysDir, IdentityFileName))
}

// StorePath resolves the configured store location for driver. A postgres
// store is addressed by DSN and has no path.
func (l Layout) StorePath(driver, path string) string {
	switch driver {
	case "postgres":
		return path
	case "sqlite":
		if path == "" {
			path = Name + ".db"
		}
	default:
		if path == "" {
			path = "store"
		}
	}
	return l.Resolve(path)
}

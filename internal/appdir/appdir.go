// Package appdir locates the relay data directory, which holds config.yaml,
// the sessions/ tree and log files.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "RELAY_DIR"

	// ConfigFileName is the name of the YAML configuration file.
	ConfigFileName = "config.yaml"

	// SessionsDirName is the name of the sessions subdirectory.
	SessionsDirName = "sessions"

	// LogsDirName is the name of the logs subdirectory.
	LogsDirName = "logs"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory path. Resolution order:
//  1. RELAY_DIR
//  2. macOS: ~/Library/Application Support/Relay
//  3. Windows: %APPDATA%\Relay
//  4. otherwise $XDG_DATA_HOME/relay or ~/.local/share/relay
//
// The directory is not created; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if env := os.Getenv(DirEnv); env != "" {
		return env, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Relay"), nil
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Relay"), nil
		}
		return filepath.Join(home, "AppData", "Roaming", "Relay"), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "relay"), nil
		}
		return filepath.Join(home, ".local", "share", "relay"), nil
	}
}

// EnsureDir creates the data directory and its sessions and logs subdirectories.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	for _, d := range []string{dir, filepath.Join(dir, SessionsDirName), filepath.Join(dir, LogsDirName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

// ConfigPath returns the path to config.yaml.
func ConfigPath() (string, error) {
	return join(ConfigFileName)
}

// SessionsDir returns the path to the sessions directory.
func SessionsDir() (string, error) {
	return join(SessionsDirName)
}

// LogsDir returns the path to the logs directory.
func LogsDir() (string, error) {
	return join(LogsDirName)
}

func join(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ResetCache forgets the resolved directory. Used by tests that change RELAY_DIR.
func ResetCache() {
	mu.Lock()
	cachedDir = ""
	mu.Unlock()
}

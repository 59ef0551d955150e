// Package paths resolves chatstream's files under ~/.chatstream.
// It imports only the standard library so any package can use it.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFile is the config file name looked up locally and in BaseDir.
const ConfigFile = "chatstream.yaml"

// BaseDir returns the chatstream base directory (~/.chatstream).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".chatstream"), nil
}

// DataPath returns a path within the base directory (~/.chatstream/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config path.
// Priority: ./chatstream.yaml > ~/.chatstream/chatstream.yaml
// Returns ("", nil) if no config exists; that is a valid state.
func ConfigPath() (string, error) {
	if info, err := os.Stat(ConfigFile); err == nil && !info.IsDir() {
		abs, err := filepath.Abs(ConfigFile)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return abs, nil
	}

	global, err := DefaultConfigPath()
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(global); err == nil && !info.IsDir() {
		return global, nil
	}
	return "", nil
}

// DefaultConfigPath returns where new configs are written.
func DefaultConfigPath() (string, error) {
	return DataPath(ConfigFile)
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// ExpandTilde expands a leading ~ to the user's home directory.
// Other paths are returned unchanged.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}

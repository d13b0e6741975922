package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanchat"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "LANCHAT_DATA_DIR"

	identityFileName = "identity.json"
	settingsFileName = "settings.toml"
	databaseDirName  = "db"
)

// ResolveDataDir returns the per-user data directory: LANCHAT_DATA_DIR when
// set, otherwise lanchat under the OS config directory.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// IdentityPath returns the full path to identity.json for a data directory.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, identityFileName)
}

// SettingsPath returns the full path to settings.toml for a data directory.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, settingsFileName)
}

// DatabaseDir returns the directory holding the peer directory database.
func DatabaseDir(dataDir string) string {
	return filepath.Join(dataDir, databaseDirName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, DatabaseDir(dataDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		if len(host) > MaxDisplayNameLength {
			host = host[:MaxDisplayNameLength]
		}
		return host
	}
	return "LAN Chat Peer"
}

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/snipd/
//   - Linux:   $XDG_DATA_HOME/snipd/ or ~/.local/share/snipd/
//   - Windows: %APPDATA%\snipd\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "snipd")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "snipd")
	default:
		return xdgDir("XDG_DATA_HOME", ".local/share")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
}

// PlatformStateDir returns the directory for logs and other state.
func PlatformStateDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "snipd")
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "snipd", "logs")
	default:
		return xdgDir("XDG_STATE_HOME", ".local/state")
	}
}

// PlatformRuntimeDir returns the directory for the control socket.
//
// Platform paths:
//   - Linux:   $XDG_RUNTIME_DIR/snipd/ or /tmp/snipd-$UID/
//   - macOS:   /tmp/snipd-$UID/
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return filepath.Join(dir, "snipd")
		}
	}
	return filepath.Join(os.TempDir(), "snipd-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), "snipd.sock")
}

func xdgDir(env, fallback string) string {
	base := os.Getenv(env)
	if base == "" {
		base = filepath.Join(homeDir(), fallback)
	}
	return filepath.Join(base, "snipd")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// SupportedConfigFormats returns the file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile returns the first existing config file in the config
// directory, or the default TOML path when none exists.
func FindConfigFile() string {
	if p := os.Getenv("SNIPD_CONFIG"); p != "" {
		return p
	}
	dir := PlatformConfigDir()
	for _, ext := range SupportedConfigFormats() {
		p := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.toml")
}

// Package config handles configuration loading, validation, and management for snipd.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Engine tunes buffer matching and injection timing.
	Engine EngineConfig `toml:"engine" json:"engine" yaml:"engine"`

	// Input selects and configures the capture backend.
	Input InputConfig `toml:"input" json:"input" yaml:"input"`

	// Clipboard configures the borrow protocol and the history monitor.
	Clipboard ClipboardConfig `toml:"clipboard" json:"clipboard" yaml:"clipboard"`

	// Storage configures the snippet and clipboard history database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// EngineConfig holds expansion orchestrator settings.
type EngineConfig struct {
	// BufferSize is the rolling match buffer capacity in characters.
	BufferSize int `toml:"buffer_size" json:"buffer_size" yaml:"buffer_size"`

	// SettleDelayMs separates the backspace phase from the insert phase.
	SettleDelayMs int `toml:"settle_delay_ms" json:"settle_delay_ms" yaml:"settle_delay_ms"`

	// CursorSettleDelayMs separates the insert phase from cursor repositioning.
	CursorSettleDelayMs int `toml:"cursor_settle_delay_ms" json:"cursor_settle_delay_ms" yaml:"cursor_settle_delay_ms"`

	// EchoWindowMs ignores input for this long after an injection, so the
	// hook's view of our own keystrokes cannot retrigger a keyword.
	EchoWindowMs int `toml:"echo_window_ms" json:"echo_window_ms" yaml:"echo_window_ms"`

	// ResetOnNavigation clears the buffer on arrow/Home/End/Page keys.
	ResetOnNavigation bool `toml:"reset_on_navigation" json:"reset_on_navigation" yaml:"reset_on_navigation"`

	// TieBreak is "longest" or "store-order".
	TieBreak string `toml:"tie_break" json:"tie_break" yaml:"tie_break"`
}

// InputConfig holds capture backend settings.
type InputConfig struct {
	// Backend is "auto", "hook", or "evdev".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Layout names the keymap used to translate raw key codes; "auto"
	// follows the session's XKB layout.
	Layout string `toml:"layout" json:"layout" yaml:"layout"`

	// InjectStrategy is "paste" or "type" for the evdev backend.
	InjectStrategy string `toml:"inject_strategy" json:"inject_strategy" yaml:"inject_strategy"`

	// PasteChord is the key chord sent after the clipboard is loaded.
	PasteChord string `toml:"paste_chord" json:"paste_chord" yaml:"paste_chord"`

	// KeyDelayMs is the pause between synthesized key taps.
	KeyDelayMs int `toml:"key_delay_ms" json:"key_delay_ms" yaml:"key_delay_ms"`

	// DeviceName is the name registered for the virtual keyboard.
	DeviceName string `toml:"device_name" json:"device_name" yaml:"device_name"`

	// WatchDevices starts readers for keyboards plugged in after startup.
	WatchDevices bool `toml:"watch_devices" json:"watch_devices" yaml:"watch_devices"`
}

// ClipboardConfig holds clipboard settings.
type ClipboardConfig struct {
	// SettleDelayMs is the wait around the paste chord while borrowing.
	SettleDelayMs int `toml:"settle_delay_ms" json:"settle_delay_ms" yaml:"settle_delay_ms"`

	// HistoryEnabled turns on the clipboard history monitor.
	HistoryEnabled bool `toml:"history_enabled" json:"history_enabled" yaml:"history_enabled"`

	// PollIntervalMs is the history monitor polling interval.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// MaxHistory bounds the number of unpinned history entries kept.
	MaxHistory int `toml:"max_history" json:"max_history" yaml:"max_history"`

	// EncryptHistory encrypts history entries at rest.
	EncryptHistory bool `toml:"encrypt_history" json:"encrypt_history" yaml:"encrypt_history"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// DataDir is the base directory for the database and key file.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// Database is the SQLite file name, relative to DataDir unless absolute.
	Database string `toml:"database" json:"database" yaml:"database"`

	// KeyFile holds the clipboard history key, relative to DataDir unless absolute.
	KeyFile string `toml:"key_file" json:"key_file" yaml:"key_file"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stderr", "stdout", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file used when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the rotation threshold.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the age after which rotated files are removed.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// IPCConfig holds control socket settings.
type IPCConfig struct {
	// Enabled starts the control socket with the daemon.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the unix socket path.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// MaxClients bounds concurrent connections.
	MaxClients int `toml:"max_clients" json:"max_clients" yaml:"max_clients"`

	// RequestTimeoutSec bounds a single request.
	RequestTimeoutSec int `toml:"request_timeout_sec" json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Engine: EngineConfig{
			BufferSize:          30,
			SettleDelayMs:       50,
			CursorSettleDelayMs: 50,
			EchoWindowMs:        150,
			ResetOnNavigation:   true,
			TieBreak:            "longest",
		},
		Input: InputConfig{
			Backend:        "auto",
			Layout:         "auto",
			InjectStrategy: "paste",
			PasteChord:     "ctrl+v",
			KeyDelayMs:     10,
			DeviceName:     "snipd virtual keyboard",
			WatchDevices:   true,
		},
		Clipboard: ClipboardConfig{
			SettleDelayMs:  100,
			HistoryEnabled: true,
			PollIntervalMs: 500,
			MaxHistory:     1000,
			EncryptHistory: true,
		},
		Storage: StorageConfig{
			DataDir:  DataDir(),
			Database: "snipd.db",
			KeyFile:  "history.key",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformStateDir(), "snipd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		IPC: IPCConfig{
			Enabled:           true,
			SocketPath:        DefaultSocketPath(),
			MaxClients:        16,
			RequestTimeoutSec: 30,
		},
	}
}

// ConfigPath returns the configuration file path, honoring SNIPD_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("SNIPD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base data directory, honoring SNIPD_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("SNIPD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = DefaultConfig()
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// Save writes the configuration to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.DatabasePath()),
		filepath.Dir(c.KeyFilePath()),
		filepath.Dir(c.IPC.SocketPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the absolute database path.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Storage.Database)
}

// KeyFilePath returns the absolute clipboard history key path.
func (c *Config) KeyFilePath() string {
	return c.resolve(c.Storage.KeyFile)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}

// SettleDelay returns the backspace-to-insert delay.
func (e EngineConfig) SettleDelay() time.Duration {
	return time.Duration(e.SettleDelayMs) * time.Millisecond
}

// CursorSettleDelay returns the insert-to-cursor delay.
func (e EngineConfig) CursorSettleDelay() time.Duration {
	return time.Duration(e.CursorSettleDelayMs) * time.Millisecond
}

// EchoWindow returns the post-injection quiet period.
func (e EngineConfig) EchoWindow() time.Duration {
	return time.Duration(e.EchoWindowMs) * time.Millisecond
}

// KeyDelay returns the pause between synthesized taps.
func (i InputConfig) KeyDelay() time.Duration {
	return time.Duration(i.KeyDelayMs) * time.Millisecond
}

// SettleDelay returns the clipboard borrow settle delay.
func (c ClipboardConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// PollInterval returns the history monitor polling interval.
func (c ClipboardConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RequestTimeout returns the per-request IPC timeout.
func (i IPCConfig) RequestTimeout() time.Duration {
	return time.Duration(i.RequestTimeoutSec) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SNIPD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("SNIPD_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("SNIPD_DATABASE"); v != "" {
		c.Storage.Database = v
	}
	if v := os.Getenv("SNIPD_BACKEND"); v != "" {
		c.Input.Backend = v
	}
	if v := os.Getenv("SNIPD_LAYOUT"); v != "" {
		c.Input.Layout = v
	}
	if v := os.Getenv("SNIPD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SNIPD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("SNIPD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("SNIPD_SETTLE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.SettleDelayMs = n
		}
	}
	if v := os.Getenv("SNIPD_HISTORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Clipboard.HistoryEnabled = b
		}
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:   c.Version,
		Engine:    c.Engine,
		Input:     c.Input,
		Clipboard: c.Clipboard,
		Storage:   c.Storage,
		Logging:   c.Logging,
		IPC:       c.IPC,
	}
}

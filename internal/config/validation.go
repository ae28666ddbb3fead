package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"snipd/internal/keystroke"
	"snipd/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// Known enumerations.
var (
	validBackends   = []string{"auto", "hook", "evdev"}
	validTieBreaks  = []string{"longest", "store-order"}
	validStrategies = []string{"paste", "type"}
	validOutputs    = []string{"stdout", "stderr", "file", "both"}
	validFormats    = []string{"text", "json"}
)

// ValidateConfig performs validation of the whole configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateEngine(&c.Engine)...)
	errs = append(errs, validateInput(&c.Input)...)
	errs = append(errs, validateClipboard(&c.Clipboard)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors
	if e.BufferSize < 1 || e.BufferSize > 256 {
		errs = append(errs, *RangeError("engine.buffer_size", 1, 256))
	}
	if e.SettleDelayMs < 0 || e.SettleDelayMs > 2000 {
		errs = append(errs, *RangeError("engine.settle_delay_ms", 0, 2000))
	}
	if e.CursorSettleDelayMs < 0 || e.CursorSettleDelayMs > 2000 {
		errs = append(errs, *RangeError("engine.cursor_settle_delay_ms", 0, 2000))
	}
	if e.EchoWindowMs < 0 || e.EchoWindowMs > 2000 {
		errs = append(errs, *RangeError("engine.echo_window_ms", 0, 2000))
	}
	if !oneOf(e.TieBreak, validTieBreaks) {
		errs = append(errs, *EnumError("engine.tie_break", validTieBreaks))
	}
	return errs
}

func validateInput(i *InputConfig) ValidationErrors {
	var errs ValidationErrors
	if !oneOf(i.Backend, validBackends) {
		errs = append(errs, *EnumError("input.backend", validBackends))
	}
	if layouts := append([]string{keystroke.LayoutAuto}, keystroke.LayoutNames()...); !oneOf(i.Layout, layouts) {
		errs = append(errs, *EnumError("input.layout", layouts))
	}
	if !oneOf(i.InjectStrategy, validStrategies) {
		errs = append(errs, *EnumError("input.inject_strategy", validStrategies))
	}
	if strings.TrimSpace(i.PasteChord) == "" {
		errs = append(errs, *RequiredFieldError("input.paste_chord"))
	}
	if i.KeyDelayMs < 0 || i.KeyDelayMs > 500 {
		errs = append(errs, *RangeError("input.key_delay_ms", 0, 500))
	}
	if i.DeviceName == "" {
		errs = append(errs, *RequiredFieldError("input.device_name"))
	}
	return errs
}

func validateClipboard(c *ClipboardConfig) ValidationErrors {
	var errs ValidationErrors
	if c.SettleDelayMs < 0 || c.SettleDelayMs > 2000 {
		errs = append(errs, *RangeError("clipboard.settle_delay_ms", 0, 2000))
	}
	if c.HistoryEnabled && c.PollIntervalMs < 50 {
		errs = append(errs, ValidationError{
			Field:   "clipboard.poll_interval_ms",
			Message: "must be at least 50 when history is enabled",
		})
	}
	if c.MaxHistory < 0 {
		errs = append(errs, ValidationError{Field: "clipboard.max_history", Message: "must not be negative"})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.DataDir == "" {
		errs = append(errs, *RequiredFieldError("storage.data_dir"))
	}
	if s.Database == "" {
		errs = append(errs, *RequiredFieldError("storage.database"))
	}
	if s.KeyFile == "" {
		errs = append(errs, *RequiredFieldError("storage.key_file"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if !oneOf(l.Format, validFormats) {
		errs = append(errs, *EnumError("logging.format", validFormats))
	}
	if !oneOf(l.Output, validOutputs) {
		errs = append(errs, *EnumError("logging.output", validOutputs))
	}
	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		errs = append(errs, *RequiredFieldError("logging.file_path"))
	}
	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors
	if !i.Enabled {
		return errs
	}
	if i.SocketPath == "" {
		errs = append(errs, *RequiredFieldError("ipc.socket_path"))
	} else if !filepath.IsAbs(i.SocketPath) {
		errs = append(errs, ValidationError{Field: "ipc.socket_path", Message: "must be an absolute path"})
	}
	if i.MaxClients < 1 {
		errs = append(errs, *RangeError("ipc.max_clients", 1, "unbounded"))
	}
	if i.RequestTimeoutSec < 1 {
		errs = append(errs, *RangeError("ipc.request_timeout_sec", 1, "unbounded"))
	}
	return errs
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// RequiredFieldError creates an error for a missing required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "is required"}
}

// RangeError creates an error for a value outside its allowed range.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %v and %v", min, max)}
}

// EnumError creates an error for a value outside an enumeration.
func EnumError(field string, allowed []string) *ValidationError {
	return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
}

package keystroke

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// DisplayServer identifies the windowing system of the session.
type DisplayServer string

const (
	DisplayUnknown DisplayServer = "unknown"
	DisplayX11     DisplayServer = "x11"
	DisplayWayland DisplayServer = "wayland"
	DisplayTTY     DisplayServer = "tty"
	DisplayQuartz  DisplayServer = "quartz"
	DisplayWindows DisplayServer = "windows"
)

// Backend names accepted by New.
const (
	BackendAuto  = "auto"
	BackendHook  = "hook"
	BackendEvdev = "evdev"
)

// DetectDisplayServer inspects the environment and, on Linux, asks
// systemd-logind for the session type.
func DetectDisplayServer() DisplayServer {
	switch runtime.GOOS {
	case "darwin":
		return DisplayQuartz
	case "windows":
		return DisplayWindows
	}
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return DisplayWayland
	}
	if os.Getenv("DISPLAY") != "" {
		return DisplayX11
	}
	if ds := parseSessionType(os.Getenv("XDG_SESSION_TYPE")); ds != DisplayUnknown {
		return ds
	}
	if t, err := logindSessionType(); err == nil {
		return parseSessionType(t)
	}
	return DisplayUnknown
}

func parseSessionType(s string) DisplayServer {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wayland":
		return DisplayWayland
	case "x11":
		return DisplayX11
	case "tty":
		return DisplayTTY
	}
	return DisplayUnknown
}

// ChooseBackend picks the backend for a display server. Wayland forbids
// global hooks, so it always gets evdev.
func ChooseBackend(ds DisplayServer, goos string, cgo bool) string {
	switch ds {
	case DisplayQuartz, DisplayWindows:
		return BackendHook
	case DisplayX11:
		if cgo {
			return BackendHook
		}
		return BackendEvdev
	}
	if goos == "linux" {
		return BackendEvdev
	}
	return BackendHook
}

// New constructs the named backend. "auto" detects the display server.
func New(name string, opts Options) (Backend, error) {
	if name == "" || name == BackendAuto {
		ds := DetectDisplayServer()
		name = ChooseBackend(ds, runtime.GOOS, hookCompiled)
		opts.logger().Info("input backend selected", "backend", name, "display", string(ds))
	}

	switch name {
	case BackendHook:
		b, err := NewHookBackend(opts)
		if err != nil && errors.Is(err, ErrNotAvailable) && runtime.GOOS == "linux" {
			opts.logger().Warn("hook backend unavailable, using evdev", "error", err)
			return New(BackendEvdev, opts)
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendEvdev:
		b, err := NewEvdevBackend(opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown input backend %q", name)
}

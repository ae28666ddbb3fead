package keystroke

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseBackend(t *testing.T) {
	tests := []struct {
		name string
		ds   DisplayServer
		goos string
		cgo  bool
		want string
	}{
		{"wayland", DisplayWayland, "linux", true, BackendEvdev},
		{"x11 with cgo", DisplayX11, "linux", true, BackendHook},
		{"x11 without cgo", DisplayX11, "linux", false, BackendEvdev},
		{"tty", DisplayTTY, "linux", true, BackendEvdev},
		{"unknown linux", DisplayUnknown, "linux", true, BackendEvdev},
		{"macos", DisplayQuartz, "darwin", true, BackendHook},
		{"windows", DisplayWindows, "windows", true, BackendHook},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseBackend(tt.ds, tt.goos, tt.cgo))
		})
	}
}

func TestParseSessionType(t *testing.T) {
	assert.Equal(t, DisplayWayland, parseSessionType("wayland"))
	assert.Equal(t, DisplayX11, parseSessionType(" X11 "))
	assert.Equal(t, DisplayTTY, parseSessionType("tty"))
	assert.Equal(t, DisplayUnknown, parseSessionType("mir"))
}

func TestDetectDisplayServerFromEnv(t *testing.T) {
	if DetectDisplayServer() == DisplayQuartz || DetectDisplayServer() == DisplayWindows {
		t.Skip("environment detection is Linux only")
	}
	t.Setenv("WAYLAND_DISPLAY", "wayland-0")
	t.Setenv("DISPLAY", ":0")
	assert.Equal(t, DisplayWayland, DetectDisplayServer())

	t.Setenv("WAYLAND_DISPLAY", "")
	assert.Equal(t, DisplayX11, DetectDisplayServer())

	t.Setenv("DISPLAY", "")
	t.Setenv("XDG_SESSION_TYPE", "wayland")
	assert.Equal(t, DisplayWayland, DetectDisplayServer())
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New("carrier-pigeon", DefaultOptions())
	assert.Error(t, err)
}

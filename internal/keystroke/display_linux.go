//go:build linux

package keystroke

import (
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest    = "org.freedesktop.login1"
	logindPath    = "/org/freedesktop/login1"
	logindManager = "org.freedesktop.login1.Manager"
	logindSession = "org.freedesktop.login1.Session"

	localedDest = "org.freedesktop.locale1"
	localedPath = "/org/freedesktop/locale1"
)

// logindSessionType asks systemd-logind for the Type of this process's
// session ("x11", "wayland", "tty").
func logindSessionType() (string, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var session dbus.ObjectPath
	err = conn.Object(logindDest, logindPath).
		Call(logindManager+".GetSessionByPID", 0, uint32(os.Getpid())).
		Store(&session)
	if err != nil {
		return "", err
	}

	v, err := conn.Object(logindDest, session).GetProperty(logindSession + ".Type")
	if err != nil {
		return "", err
	}
	t, _ := v.Value().(string)
	return t, nil
}

// localedX11Layout asks systemd-localed for the configured X11 keyboard
// layout, the same value localectl prints as "X11 Layout".
func localedX11Layout() (string, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	v, err := conn.Object(localedDest, localedPath).GetProperty(localedDest + ".X11Layout")
	if err != nil {
		return "", err
	}
	layout, _ := v.Value().(string)
	return layout, nil
}

//go:build !linux

package keystroke

func logindSessionType() (string, error) {
	return "", ErrNotAvailable
}

func localedX11Layout() (string, error) {
	return "", ErrNotAvailable
}

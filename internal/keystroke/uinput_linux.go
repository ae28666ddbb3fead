//go:build linux

package keystroke

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// uinput ioctls from <linux/uinput.h>.
const (
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502

	busVirtual = 0x06
	maxKeyCode = 248
	absCount   = 64
)

var uinputPaths = []string{"/dev/uinput", "/dev/input/uinput"}

// uinputUserDev mirrors struct uinput_user_dev.
type uinputUserDev struct {
	Name       [80]byte
	BusType    uint16
	Vendor     uint16
	Product    uint16
	Version    uint16
	EffectsMax uint32
	AbsMax     [absCount]int32
	AbsMin     [absCount]int32
	AbsFuzz    [absCount]int32
	AbsFlat    [absCount]int32
}

// virtualKeyboard is a uinput keyboard. Callers serialize access.
type virtualKeyboard struct {
	f     *os.File
	delay time.Duration
	buf   [inputEventSize]byte
}

func openVirtualKeyboard(name string, delay time.Duration) (*virtualKeyboard, error) {
	var (
		f   *os.File
		err error
	)
	for _, p := range uinputPaths {
		f, err = os.OpenFile(p, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			break
		}
	}
	if f == nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: cannot open /dev/uinput: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: cannot open /dev/uinput: %v", ErrCaptureUnavailable, err)
	}

	fd := int(f.Fd())
	setup := func() error {
		if err := unix.IoctlSetInt(fd, uiSetEvBit, evKey); err != nil {
			return fmt.Errorf("UI_SET_EVBIT: %w", err)
		}
		for code := 1; code < maxKeyCode; code++ {
			if err := unix.IoctlSetInt(fd, uiSetKeyBit, code); err != nil {
				return fmt.Errorf("UI_SET_KEYBIT %d: %w", code, err)
			}
		}

		var dev uinputUserDev
		copy(dev.Name[:len(dev.Name)-1], name)
		dev.BusType = busVirtual
		dev.Vendor = 0x1
		dev.Product = 0x1
		dev.Version = 1

		var b bytes.Buffer
		if err := binary.Write(&b, binary.LittleEndian, &dev); err != nil {
			return err
		}
		if _, err := f.Write(b.Bytes()); err != nil {
			return fmt.Errorf("write uinput_user_dev: %w", err)
		}
		if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
			return fmt.Errorf("UI_DEV_CREATE: %w", err)
		}
		return nil
	}
	if err := setup(); err != nil {
		f.Close()
		return nil, err
	}

	// The compositor needs a moment to pick up the new device before the
	// first event arrives.
	time.Sleep(200 * time.Millisecond)

	return &virtualKeyboard{f: f, delay: delay}, nil
}

func (v *virtualKeyboard) emit(typ, code uint16, value int32) error {
	encodeEvent(v.buf[:], rawEvent{Type: typ, Code: code, Value: value})
	if _, err := v.f.Write(v.buf[:]); err != nil {
		return err
	}
	return nil
}

func (v *virtualKeyboard) key(k Key, value int32) error {
	if err := v.emit(evKey, uint16(k), value); err != nil {
		return fmt.Errorf("key %s: %w", k, err)
	}
	return v.emit(evSyn, 0, 0)
}

// tap presses and releases k.
func (v *virtualKeyboard) tap(k Key) error {
	if err := v.key(k, valuePress); err != nil {
		return err
	}
	if err := v.key(k, valueRelease); err != nil {
		return err
	}
	if v.delay > 0 {
		time.Sleep(v.delay)
	}
	return nil
}

// withModifiers holds mods while fn runs, releasing them on every path.
func (v *virtualKeyboard) withModifiers(mods []Key, fn func() error) (err error) {
	pressed := make([]Key, 0, len(mods))
	defer func() {
		for i := len(pressed) - 1; i >= 0; i-- {
			if rerr := v.key(pressed[i], valueRelease); rerr != nil && err == nil {
				err = rerr
			}
		}
	}()
	for _, m := range mods {
		if err := v.key(m, valuePress); err != nil {
			return err
		}
		pressed = append(pressed, m)
	}
	return fn()
}

func (v *virtualKeyboard) chord(c Chord) error {
	return v.withModifiers(c.Modifiers, func() error { return v.tap(c.Key) })
}

func (v *virtualKeyboard) Close() error {
	fd := int(v.f.Fd())
	derr := unix.IoctlSetInt(fd, uiDevDestroy, 0)
	cerr := v.f.Close()
	return errors.Join(derr, cerr)
}

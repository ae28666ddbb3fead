package keystroke

import (
	"bufio"
	"encoding/binary"
	"io"
	"strconv"
	"strings"
)

// InputDevice is one entry of /proc/bus/input/devices.
type InputDevice struct {
	Name      string
	Phys      string
	Vendor    uint16
	Product   uint16
	Handlers  []string
	EventPath string
	keyBits   []uint64
}

// HasKey reports whether the device advertises key.
func (d InputDevice) HasKey(key Key) bool {
	word := int(key) / 64
	if word >= len(d.keyBits) {
		return false
	}
	return d.keyBits[word]&(1<<(uint(key)%64)) != 0
}

// IsKeyboard reports whether the device looks like a typing keyboard
// rather than a power button, mouse or media remote.
func (d InputDevice) IsKeyboard() bool {
	return d.EventPath != "" && d.HasKey(KeyA) && d.HasKey(KeyEnter) && d.HasKey(KeySpace)
}

// ParseInputDevices parses the /proc/bus/input/devices format.
func ParseInputDevices(r io.Reader) ([]InputDevice, error) {
	var (
		devices []InputDevice
		cur     InputDevice
		started bool
	)
	flush := func() {
		if started {
			devices = append(devices, cur)
		}
		cur = InputDevice{}
		started = false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		if len(line) < 3 || line[1] != ':' {
			continue
		}
		started = true
		body := strings.TrimSpace(line[2:])

		switch line[0] {
		case 'I':
			for _, part := range strings.Fields(body) {
				k, v, ok := strings.Cut(part, "=")
				if !ok {
					continue
				}
				n, err := strconv.ParseUint(v, 16, 16)
				if err != nil {
					continue
				}
				switch k {
				case "Vendor":
					cur.Vendor = uint16(n)
				case "Product":
					cur.Product = uint16(n)
				}
			}
		case 'N':
			cur.Name = strings.Trim(strings.TrimPrefix(body, "Name="), `"`)
		case 'P':
			cur.Phys = strings.TrimPrefix(body, "Phys=")
		case 'H':
			cur.Handlers = strings.Fields(strings.TrimPrefix(body, "Handlers="))
			for _, h := range cur.Handlers {
				if strings.HasPrefix(h, "event") {
					cur.EventPath = "/dev/input/" + h
				}
			}
		case 'B':
			if bits, ok := strings.CutPrefix(body, "KEY="); ok {
				cur.keyBits = parseBitmap(bits)
			}
		}
	}
	flush()
	return devices, scanner.Err()
}

// parseBitmap decodes a kernel bitmap printed as space separated hex
// words, most significant word first.
func parseBitmap(s string) []uint64 {
	fields := strings.Fields(s)
	words := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 16, 64)
		if err != nil {
			continue
		}
		words[len(fields)-1-i] = v
	}
	return words
}

// FilterKeyboards keeps keyboards, dropping any device named exclude.
func FilterKeyboards(devices []InputDevice, exclude string) []InputDevice {
	var out []InputDevice
	for _, d := range devices {
		if exclude != "" && d.Name == exclude {
			continue
		}
		if d.IsKeyboard() {
			out = append(out, d)
		}
	}
	return out
}

// rawEvent is a decoded struct input_event.
type rawEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

const (
	evSyn = 0x00
	evKey = 0x01
	evRep = 0x14

	// inputEventSize is sizeof(struct input_event) on 64-bit kernels:
	// a 16-byte timeval followed by type, code and value.
	inputEventSize = 24
)

func decodeEvent(buf []byte) rawEvent {
	return rawEvent{
		Type:  binary.LittleEndian.Uint16(buf[16:18]),
		Code:  binary.LittleEndian.Uint16(buf[18:20]),
		Value: int32(binary.LittleEndian.Uint32(buf[20:24])),
	}
}

func encodeEvent(buf []byte, ev rawEvent) {
	for i := 0; i < 16; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint16(buf[16:18], ev.Type)
	binary.LittleEndian.PutUint16(buf[18:20], ev.Code)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(ev.Value))
}

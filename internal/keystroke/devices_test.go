package keystroke

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDevices = `I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
P: Phys=PNP0C0C/button/input0
S: Sysfs=/devices/LNXSYSTM:00/LNXPWRBN:00/input/input0
U: Uniq=
H: Handlers=kbd event0
B: PROP=0
B: EV=3
B: KEY=10000000000000 0

I: Bus=0011 Vendor=0001 Product=0001 Version=ab41
N: Name="AT Translated Set 2 keyboard"
P: Phys=isa0060/serio0/input0
S: Sysfs=/devices/platform/i8042/serio0/input/input3
U: Uniq=
H: Handlers=sysrq kbd leds event3
B: PROP=0
B: EV=120013
B: KEY=402000000 3803078f800d001 feffffdfffefffff fffffffffffffffe
B: MSC=10
B: LED=7

I: Bus=0003 Vendor=046d Product=c52b Version=0111
N: Name="Logitech USB Receiver Mouse"
H: Handlers=mouse0 event5
B: EV=17
B: KEY=ffff0000 0 0 0 0

I: Bus=0006 Vendor=0001 Product=0001 Version=0001
N: Name="snipd virtual keyboard"
H: Handlers=sysrq kbd event9
B: EV=3
B: KEY=ffffffffffffffff ffffffffffffffff ffffffffffffffff fffffffffffffffe
`

func TestParseInputDevices(t *testing.T) {
	devices, err := ParseInputDevices(strings.NewReader(sampleDevices))
	require.NoError(t, err)
	require.Len(t, devices, 4)

	kbd := devices[1]
	assert.Equal(t, "AT Translated Set 2 keyboard", kbd.Name)
	assert.Equal(t, "isa0060/serio0/input0", kbd.Phys)
	assert.Equal(t, uint16(0x0001), kbd.Vendor)
	assert.Equal(t, "/dev/input/event3", kbd.EventPath)
	assert.Equal(t, []string{"sysrq", "kbd", "leds", "event3"}, kbd.Handlers)
	assert.True(t, kbd.HasKey(KeyA))
	assert.True(t, kbd.IsKeyboard())

	assert.Equal(t, uint16(0x046d), devices[2].Vendor)
	assert.Equal(t, uint16(0xc52b), devices[2].Product)
}

func TestFilterKeyboards(t *testing.T) {
	devices, err := ParseInputDevices(strings.NewReader(sampleDevices))
	require.NoError(t, err)

	kbds := FilterKeyboards(devices, "snipd virtual keyboard")
	require.Len(t, kbds, 1)
	assert.Equal(t, "/dev/input/event3", kbds[0].EventPath)

	assert.Len(t, FilterKeyboards(devices, ""), 2)
}

func TestPowerButtonIsNotKeyboard(t *testing.T) {
	devices, err := ParseInputDevices(strings.NewReader(sampleDevices))
	require.NoError(t, err)
	// KEY_POWER only.
	assert.True(t, devices[0].HasKey(116))
	assert.False(t, devices[0].IsKeyboard())
}

func TestParseBitmap(t *testing.T) {
	words := parseBitmap("1 0 8")
	require.Len(t, words, 3)
	assert.Equal(t, []uint64{8, 0, 1}, words)

	d := InputDevice{keyBits: words}
	assert.True(t, d.HasKey(3))
	assert.True(t, d.HasKey(128))
	assert.False(t, d.HasKey(4))
	assert.False(t, d.HasKey(500))
}

func TestEventCodec(t *testing.T) {
	buf := make([]byte, inputEventSize)
	for i := range buf {
		buf[i] = 0xff
	}
	in := rawEvent{Type: evKey, Code: uint16(KeyA), Value: valueRepeat}
	encodeEvent(buf, in)

	assert.Equal(t, in, decodeEvent(buf))
	assert.Equal(t, make([]byte, 16), buf[:16])
}

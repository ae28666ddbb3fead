package keystroke

import (
	"fmt"
	"strings"
)

// Key is a logical key, numbered by its Linux evdev code.
type Key uint16

const (
	KeyEsc        Key = 1
	KeyBackspace  Key = 14
	KeyTab        Key = 15
	KeyEnter      Key = 28
	KeyLeftCtrl   Key = 29
	KeyA          Key = 30
	KeyLeftShift  Key = 42
	KeyV          Key = 47
	KeyRightShift Key = 54
	KeyLeftAlt    Key = 56
	KeySpace      Key = 57
	KeyCapsLock   Key = 58
	KeyKPEnter    Key = 96
	KeyRightCtrl  Key = 97
	KeyRightAlt   Key = 100
	KeyHome       Key = 102
	KeyUp         Key = 103
	KeyPageUp     Key = 104
	KeyLeft       Key = 105
	KeyRight      Key = 106
	KeyEnd        Key = 107
	KeyDown       Key = 108
	KeyPageDown   Key = 109
	KeyInsert     Key = 110
	KeyDelete     Key = 111
	KeyLeftMeta   Key = 125
	KeyRightMeta  Key = 126
)

// keyNames are the names accepted in chords and used by the hook backend.
var keyNames = map[Key]string{
	KeyEsc:        "esc",
	KeyBackspace:  "backspace",
	KeyTab:        "tab",
	KeyEnter:      "enter",
	KeyLeftCtrl:   "ctrl",
	KeyLeftShift:  "shift",
	KeyRightShift: "rshift",
	KeyLeftAlt:    "alt",
	KeySpace:      "space",
	KeyCapsLock:   "capslock",
	KeyRightCtrl:  "rctrl",
	KeyRightAlt:   "altgr",
	KeyHome:       "home",
	KeyUp:         "up",
	KeyPageUp:     "pageup",
	KeyLeft:       "left",
	KeyRight:      "right",
	KeyEnd:        "end",
	KeyDown:       "down",
	KeyPageDown:   "pagedown",
	KeyInsert:     "insert",
	KeyDelete:     "delete",
	KeyLeftMeta:   "cmd",
}

var keyAliases = map[string]Key{
	"control": KeyLeftCtrl,
	"escape":  KeyEsc,
	"return":  KeyEnter,
	"super":   KeyLeftMeta,
	"meta":    KeyLeftMeta,
	"win":     KeyLeftMeta,
	"command": KeyLeftMeta,
	"option":  KeyLeftAlt,
	"del":     KeyDelete,
	"ins":     KeyInsert,
}

func (k Key) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	if r, _, ok := usLayout.char(uint16(k)); ok {
		return string(r)
	}
	return fmt.Sprintf("key(%d)", uint16(k))
}

// IsModifier reports whether k is a modifier key.
func (k Key) IsModifier() bool {
	switch k {
	case KeyLeftCtrl, KeyRightCtrl, KeyLeftShift, KeyRightShift,
		KeyLeftAlt, KeyRightAlt, KeyLeftMeta, KeyRightMeta:
		return true
	}
	return false
}

// ParseKey resolves a key name such as "left", "ctrl" or "v".
func ParseKey(name string) (Key, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return 0, fmt.Errorf("empty key name")
	}
	for k, n := range keyNames {
		if n == name {
			return k, nil
		}
	}
	if k, ok := keyAliases[name]; ok {
		return k, nil
	}
	if r := []rune(name); len(r) == 1 {
		if code, _, ok := usLayout.lookup(r[0]); ok {
			return Key(code), nil
		}
	}
	return 0, fmt.Errorf("unknown key %q", name)
}

// Chord is a set of modifiers plus one final key, e.g. ctrl+shift+v.
type Chord struct {
	Modifiers []Key
	Key       Key
}

// ParseChord parses "ctrl+v" style chords.
func ParseChord(s string) (Chord, error) {
	parts := strings.Split(s, "+")
	var c Chord
	for i, p := range parts {
		k, err := ParseKey(p)
		if err != nil {
			return Chord{}, fmt.Errorf("parse chord %q: %w", s, err)
		}
		if i == len(parts)-1 {
			c.Key = k
			break
		}
		if !k.IsModifier() {
			return Chord{}, fmt.Errorf("parse chord %q: %s is not a modifier", s, k)
		}
		c.Modifiers = append(c.Modifiers, k)
	}
	return c, nil
}

func (c Chord) String() string {
	names := make([]string, 0, len(c.Modifiers)+1)
	for _, m := range c.Modifiers {
		names = append(names, m.String())
	}
	return strings.Join(append(names, c.Key.String()), "+")
}

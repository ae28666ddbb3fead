package keystroke

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// keyEntry holds what a key produces: unshifted, shifted and with AltGr.
// A zero rune means the combination produces nothing.
type keyEntry [3]rune

// Modifier is the modifier needed to produce a character.
type Modifier uint8

const (
	ModNone Modifier = iota
	ModShift
	ModAltGr
)

// Layout maps evdev key codes to characters.
type Layout struct {
	Name    string
	keys    map[uint16]keyEntry
	reverse map[rune]reverseEntry
}

type reverseEntry struct {
	code uint16
	mod  Modifier
}

var usKeys = map[uint16]keyEntry{
	2: {'1', '!'}, 3: {'2', '@'}, 4: {'3', '#'}, 5: {'4', '$'}, 6: {'5', '%'},
	7: {'6', '^'}, 8: {'7', '&'}, 9: {'8', '*'}, 10: {'9', '('}, 11: {'0', ')'},
	12: {'-', '_'}, 13: {'=', '+'},
	16: {'q', 'Q'}, 17: {'w', 'W'}, 18: {'e', 'E'}, 19: {'r', 'R'}, 20: {'t', 'T'},
	21: {'y', 'Y'}, 22: {'u', 'U'}, 23: {'i', 'I'}, 24: {'o', 'O'}, 25: {'p', 'P'},
	26: {'[', '{'}, 27: {']', '}'},
	30: {'a', 'A'}, 31: {'s', 'S'}, 32: {'d', 'D'}, 33: {'f', 'F'}, 34: {'g', 'G'},
	35: {'h', 'H'}, 36: {'j', 'J'}, 37: {'k', 'K'}, 38: {'l', 'L'},
	39: {';', ':'}, 40: {'\'', '"'}, 41: {'`', '~'}, 43: {'\\', '|'},
	44: {'z', 'Z'}, 45: {'x', 'X'}, 46: {'c', 'C'}, 47: {'v', 'V'}, 48: {'b', 'B'},
	49: {'n', 'N'}, 50: {'m', 'M'},
	51: {',', '<'}, 52: {'.', '>'}, 53: {'/', '?'},
	57: {' ', ' '},
	// Keypad, assuming num lock.
	55: {'*', '*'}, 71: {'7', '7'}, 72: {'8', '8'}, 73: {'9', '9'}, 74: {'-', '-'},
	75: {'4', '4'}, 76: {'5', '5'}, 77: {'6', '6'}, 78: {'+', '+'},
	79: {'1', '1'}, 80: {'2', '2'}, 81: {'3', '3'}, 82: {'0', '0'}, 83: {'.', '.'},
	98: {'/', '/'},
}

var gbOverrides = map[uint16]keyEntry{
	3:  {'2', '"'},
	4:  {'3', '£'},
	5:  {'4', '$', '€'},
	40: {'\'', '@'},
	41: {'`', '¬', '¦'},
	43: {'#', '~'},
	86: {'\\', '|'},
}

var deOverrides = map[uint16]keyEntry{
	3:  {'2', '"', '²'},
	4:  {'3', '§', '³'},
	7:  {'6', '&'},
	8:  {'7', '/', '{'},
	9:  {'8', '(', '['},
	10: {'9', ')', ']'},
	11: {'0', '=', '}'},
	12: {'ß', '?', '\\'},
	13: {'´', '`'},
	16: {'q', 'Q', '@'},
	18: {'e', 'E', '€'},
	21: {'z', 'Z'},
	26: {'ü', 'Ü'},
	27: {'+', '*', '~'},
	39: {'ö', 'Ö'},
	40: {'ä', 'Ä'},
	41: {'^', '°'},
	43: {'#', '\''},
	44: {'y', 'Y'},
	50: {'m', 'M', 'µ'},
	51: {',', ';'},
	52: {'.', ':'},
	53: {'-', '_'},
	86: {'<', '>', '|'},
}

var (
	usLayout = newLayout("us", nil)

	layoutsMu sync.RWMutex
	layouts   = map[string]*Layout{
		"us": usLayout,
		"gb": newLayout("gb", gbOverrides),
		"de": newLayout("de", deOverrides),
	}
)

func newLayout(name string, overrides map[uint16]keyEntry) *Layout {
	keys := make(map[uint16]keyEntry, len(usKeys)+len(overrides))
	for code, e := range usKeys {
		keys[code] = e
	}
	for code, e := range overrides {
		keys[code] = e
	}
	l := &Layout{Name: name, keys: keys, reverse: make(map[rune]reverseEntry)}

	// Lowest code wins so the main block is preferred over the keypad.
	codes := make([]int, 0, len(keys))
	for code := range keys {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)
	for _, c := range codes {
		code := uint16(c)
		for mod, r := range keys[code] {
			if r == 0 {
				continue
			}
			if _, ok := l.reverse[r]; !ok {
				l.reverse[r] = reverseEntry{code: code, mod: Modifier(mod)}
			}
		}
	}
	return l
}

// LookupLayout returns the named layout.
func LookupLayout(name string) (*Layout, error) {
	layoutsMu.RLock()
	defer layoutsMu.RUnlock()
	l, ok := layouts[name]
	if !ok {
		return nil, fmt.Errorf("unknown keyboard layout %q", name)
	}
	return l, nil
}

// LayoutNames lists the available layouts.
func LayoutNames() []string {
	layoutsMu.RLock()
	defer layoutsMu.RUnlock()
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LayoutAuto selects the session's keyboard layout.
const LayoutAuto = "auto"

// SessionLayout returns the XKB layout of the session: XKB_DEFAULT_LAYOUT,
// then the X11 layout systemd-localed reports. Empty when unknown.
func SessionLayout() string {
	if v := normalizeLayoutName(os.Getenv("XKB_DEFAULT_LAYOUT")); v != "" {
		return v
	}
	if v, err := localedX11Layout(); err == nil {
		return normalizeLayoutName(v)
	}
	return ""
}

// normalizeLayoutName reduces an XKB layout list such as "de(nodeadkeys),us"
// to its first layout name.
func normalizeLayoutName(s string) string {
	s, _, _ = strings.Cut(s, ",")
	s, _, _ = strings.Cut(s, "(")
	s, _, _ = strings.Cut(s, "+")
	return strings.ToLower(strings.TrimSpace(s))
}

func hasLayout(name string) bool {
	layoutsMu.RLock()
	defer layoutsMu.RUnlock()
	_, ok := layouts[name]
	return ok
}

// chooseLayout picks the table for a configured layout name given the
// detected session layout.
func chooseLayout(configured, session string) string {
	if configured != "" && configured != LayoutAuto {
		return configured
	}
	if hasLayout(session) {
		return session
	}
	return "us"
}

// ResolveLayout returns the keymap for name, detecting the session layout
// for "auto". A session layout without a table is reported, since keys
// that differ from the chosen table will be misread.
func ResolveLayout(name string, logger *slog.Logger) (*Layout, error) {
	session := SessionLayout()
	chosen := chooseLayout(name, session)
	l, err := LookupLayout(chosen)
	if err != nil {
		return nil, err
	}

	switch {
	case session == "" || session == chosen:
	case !hasLayout(session):
		logger.Warn("session keyboard layout has no keymap table; keywords with layout-specific characters may not match",
			"session_layout", session, "using", chosen, "available", LayoutNames())
	default:
		logger.Warn("configured keyboard layout differs from the session layout",
			"session_layout", session, "using", chosen)
	}
	return l, nil
}

// char returns the unshifted character for code.
func (l *Layout) char(code uint16) (rune, keyEntry, bool) {
	e, ok := l.keys[code]
	if !ok {
		return 0, keyEntry{}, false
	}
	return e[0], e, true
}

// lookup finds the key and modifier that type r.
func (l *Layout) lookup(r rune) (uint16, Modifier, bool) {
	e, ok := l.reverse[r]
	return e.code, e.mod, ok
}

// Translate returns the character code produces with the given modifiers.
func (l *Layout) Translate(code uint16, shift, capsLock, altGr bool) (rune, bool) {
	e, ok := l.keys[code]
	if !ok {
		return 0, false
	}
	if altGr {
		return e[2], e[2] != 0
	}
	upper := shift
	if capsLock && unicode.IsLetter(e[0]) {
		upper = !upper
	}
	if upper && e[1] != 0 {
		return e[1], true
	}
	return e[0], e[0] != 0
}

// KeymapState turns raw key transitions from one device into InputEvents.
// It is not safe for concurrent use; each device reader owns one.
type KeymapState struct {
	layout     *Layout
	resetOnNav bool
	held       map[Key]bool
	capsLock   bool
}

// Key transition values as reported by evdev.
const (
	valueRelease = 0
	valuePress   = 1
	valueRepeat  = 2
)

// NewKeymapState creates a translator for layout.
func NewKeymapState(layout *Layout, resetOnNav bool) *KeymapState {
	if layout == nil {
		layout = usLayout
	}
	return &KeymapState{layout: layout, resetOnNav: resetOnNav, held: make(map[Key]bool)}
}

// Process consumes one key transition. It returns false when the
// transition produces no event.
func (s *KeymapState) Process(code uint16, value int32) (InputEvent, bool) {
	key := Key(code)

	if key.IsModifier() {
		switch value {
		case valuePress:
			s.held[key] = true
		case valueRelease:
			delete(s.held, key)
		}
		return InputEvent{}, false
	}
	if key == KeyCapsLock {
		if value == valuePress {
			s.capsLock = !s.capsLock
		}
		return InputEvent{}, false
	}
	if value != valuePress && value != valueRepeat {
		return InputEvent{}, false
	}

	switch key {
	case KeyBackspace:
		return BackspaceEvent(), true
	case KeyEnter, KeyKPEnter:
		return ResetEvent('\n'), true
	case KeyTab:
		return ResetEvent('\t'), true
	case KeyEsc:
		return ResetEvent('\x1b'), true
	case KeyUp, KeyDown, KeyLeft, KeyRight, KeyHome, KeyEnd, KeyPageUp, KeyPageDown:
		if s.resetOnNav {
			return ResetEvent(0), true
		}
		return InputEvent{}, false
	}

	// Shortcuts never type.
	if s.held[KeyLeftCtrl] || s.held[KeyRightCtrl] || s.held[KeyLeftAlt] ||
		s.held[KeyLeftMeta] || s.held[KeyRightMeta] {
		return InputEvent{}, false
	}

	shift := s.held[KeyLeftShift] || s.held[KeyRightShift]
	r, ok := s.layout.Translate(code, shift, s.capsLock, s.held[KeyRightAlt])
	if !ok {
		return InputEvent{}, false
	}
	return CharEvent(r), true
}

// Reset forgets held modifiers, e.g. after a device reconnects.
func (s *KeymapState) Reset() {
	s.held = make(map[Key]bool)
}

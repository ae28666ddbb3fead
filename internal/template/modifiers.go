package template

import (
	"bytes"
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Modifier transforms a resolved placeholder value.
type Modifier func(string) string

// Casers carry state, so each call builds its own.
var modifiers = map[string]Modifier{
	"uppercase":      func(v string) string { return cases.Upper(language.Und).String(v) },
	"lowercase":      func(v string) string { return cases.Lower(language.Und).String(v) },
	"trim":           strings.TrimSpace,
	"percent-encode": percentEncode,
	"json-stringify": jsonStringify,
}

// ApplyModifiers runs mods over v in order. Unknown names are skipped.
func ApplyModifiers(v string, mods []string) string {
	for _, name := range mods {
		if fn, ok := modifiers[name]; ok {
			v = fn(v)
		}
	}
	return v
}

// UnknownModifiers lists modifier names in content that ApplyModifiers
// would skip, each once, in order of first use.
func UnknownModifiers(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range Parse(content) {
		for _, name := range p.Modifiers {
			if _, ok := modifiers[name]; ok || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

const upperHex = "0123456789ABCDEF"

// percentEncode escapes control bytes, non-ASCII bytes, space, double
// quote, angle brackets and backtick.
func percentEncode(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if needsEscape(c) {
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func needsEscape(c byte) bool {
	switch {
	case c < 0x20, c >= 0x7f:
		return true
	case c == ' ', c == '"', c == '<', c == '>', c == '`':
		return true
	}
	return false
}

func jsonStringify(v string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return v
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Package template resolves the placeholder language embedded in snippet
// bodies.
//
// A placeholder has the form
//
//	{name attr1="quoted value" attr2=bare | modifier1 | modifier2}
//
// Literal text around placeholders passes through unchanged.
package template

import (
	"regexp"
	"strings"
)

var (
	placeholderPattern = regexp.MustCompile(
		`\{(?P<name>\w+)(?P<attributes>(?:\s+\w+=(?:"[^"]*"|\S+))*)?(?P<modifiers>(?:\s*\|\s*[\w%-]+)*)\}`)
	attributePattern = regexp.MustCompile(
		`\s*(?P<key>\w+)=(?:"(?P<quoted>[^"]*)"|(?P<bare>\S+))`)

	nameGroup       = placeholderPattern.SubexpIndex("name")
	attributesGroup = placeholderPattern.SubexpIndex("attributes")
	modifiersGroup  = placeholderPattern.SubexpIndex("modifiers")
	keyGroup        = attributePattern.SubexpIndex("key")
	quotedGroup     = attributePattern.SubexpIndex("quoted")
	bareGroup       = attributePattern.SubexpIndex("bare")
)

// Placeholder is one parsed {...} directive.
type Placeholder struct {
	Name       string
	Attributes map[string]string
	Modifiers  []string

	// Start and End are byte offsets of the directive in the source text.
	Start, End int
}

// Attr returns the attribute value for key, or "" when absent.
func (p Placeholder) Attr(key string) string {
	return p.Attributes[key]
}

// Parse returns every placeholder in content, left to right.
func Parse(content string) []Placeholder {
	matches := placeholderPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	out := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		out = append(out, Placeholder{
			Name:       group(content, m, nameGroup),
			Attributes: parseAttributes(group(content, m, attributesGroup)),
			Modifiers:  parseModifiers(group(content, m, modifiersGroup)),
			Start:      m[0],
			End:        m[1],
		})
	}
	return out
}

// ContainsPlaceholder reports whether s has any placeholder syntax.
func ContainsPlaceholder(s string) bool {
	return placeholderPattern.MatchString(s)
}

func group(s string, m []int, i int) string {
	if i < 0 || m[2*i] < 0 {
		return ""
	}
	return s[m[2*i]:m[2*i+1]]
}

func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attributePattern.FindAllStringSubmatchIndex(s, -1) {
		key := group(s, m, keyGroup)
		if m[2*quotedGroup] >= 0 {
			attrs[key] = group(s, m, quotedGroup)
		} else {
			attrs[key] = group(s, m, bareGroup)
		}
	}
	return attrs
}

func parseModifiers(s string) []string {
	var mods []string
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			mods = append(mods, part)
		}
	}
	return mods
}

package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"snipd/internal/store"
)

// ErrResolve marks failures of a collaborator lookup during resolution.
var ErrResolve = errors.New("template: resolve failed")

// SnippetLookup finds snippets for the {snippet name="..."} placeholder.
type SnippetLookup interface {
	FindSnippetByName(name string) (*store.Snippet, error)
}

// ClipboardReader reads the current system clipboard.
type ClipboardReader interface {
	ReadText() (string, error)
}

// HistoryLookup returns older clipboard history entries.
type HistoryLookup interface {
	ContentByOffset(n int) (string, bool, error)
}

// Result is the fully substituted snippet text.
type Result struct {
	Content string

	// CursorPos is the rune offset of the first {cursor} marker in Content.
	CursorPos int
	HasCursor bool
}

// CharsToMoveLeft is how far the caret must travel back from the end of
// the inserted text to land on the cursor marker.
func (r Result) CharsToMoveLeft() int {
	if !r.HasCursor {
		return 0
	}
	return utf8.RuneCountInString(r.Content) - r.CursorPos
}

// Resolver evaluates snippet templates.
type Resolver struct {
	snippets  SnippetLookup
	clipboard ClipboardReader
	history   HistoryLookup
	now       func() time.Time
	newID     func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator replaces the UUID source.
func WithIDGenerator(gen func() string) Option {
	return func(r *Resolver) { r.newID = gen }
}

// NewResolver creates a Resolver. Any collaborator may be nil, in which
// case the placeholders it backs resolve to empty strings.
func NewResolver(snippets SnippetLookup, clipboard ClipboardReader, history HistoryLookup, opts ...Option) *Resolver {
	r := &Resolver{
		snippets:  snippets,
		clipboard: clipboard,
		history:   history,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve substitutes every placeholder in content.
func (r *Resolver) Resolve(content string) (Result, error) {
	var (
		out    strings.Builder
		res    Result
		last   int
		outLen int
	)
	out.Grow(len(content))

	for _, p := range Parse(content) {
		lit := content[last:p.Start]
		out.WriteString(lit)
		outLen += utf8.RuneCountInString(lit)
		last = p.End

		if p.Name == "cursor" {
			if !res.HasCursor {
				res.CursorPos = outLen
				res.HasCursor = true
			}
			continue
		}

		v, err := r.value(p)
		if err != nil {
			return Result{}, err
		}
		v = ApplyModifiers(v, p.Modifiers)
		out.WriteString(v)
		outLen += utf8.RuneCountInString(v)
	}
	out.WriteString(content[last:])

	res.Content = out.String()
	return res, nil
}

func (r *Resolver) value(p Placeholder) (string, error) {
	switch p.Name {
	case "uuid":
		return strings.ToUpper(r.newID()), nil
	case "clipboard":
		return r.clipboardValue(p)
	case "snippet":
		return r.snippetValue(p)
	case "date", "time", "datetime", "day":
		t := r.now()
		if off := p.Attr("offset"); off != "" {
			t = ApplyOffset(t, off)
		}
		pattern := p.Attr("format")
		if pattern == "" {
			pattern = defaultDatePatterns[p.Name]
		}
		return FormatDate(t, pattern), nil
	default:
		return "", nil
	}
}

func (r *Resolver) clipboardValue(p Placeholder) (string, error) {
	offset := 0
	if s := p.Attr("offset"); s != "" {
		// Unusable offsets read the current clipboard.
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			offset = n
		}
	}

	if offset > 0 {
		if r.history == nil {
			return "", nil
		}
		text, ok, err := r.history.ContentByOffset(offset)
		if err != nil {
			return "", fmt.Errorf("%w: clipboard offset %d: %w", ErrResolve, offset, err)
		}
		if !ok {
			return "", nil
		}
		return text, nil
	}

	if r.clipboard == nil {
		return "", nil
	}
	text, err := r.clipboard.ReadText()
	if err != nil {
		// An empty or unreadable clipboard is not worth losing the expansion.
		return "", nil
	}
	return text, nil
}

func (r *Resolver) snippetValue(p Placeholder) (string, error) {
	name := p.Attr("name")
	if name == "" || r.snippets == nil {
		return "", nil
	}
	sn, err := r.snippets.FindSnippetByName(name)
	if err != nil {
		return "", fmt.Errorf("%w: snippet %q: %w", ErrResolve, name, err)
	}
	if sn == nil || ContainsPlaceholder(sn.Content) {
		return "", nil
	}
	return sn.Content, nil
}

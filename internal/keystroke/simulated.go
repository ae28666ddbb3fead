package keystroke

import (
	"context"
	"sync"

	"snipd/internal/clipboard"
)

// Injection is one call recorded by SimulatedBackend.
type Injection struct {
	Text  string
	Key   Key
	Count int
}

// SimulatedBackend is an in-memory Backend that models a single focused
// text field. Tests drive it with Type and inspect Document.
type SimulatedBackend struct {
	mu        sync.Mutex
	handler   Handler
	listening bool
	doc       []rune
	cursor    int
	injected  []Injection

	borrower *clipboard.Borrower
	source   clipboard.Accessor

	// TextErr and KeyErr, when set, fail the matching inject calls.
	// PasteErr fails the paste step inside a clipboard borrow.
	TextErr  error
	KeyErr   error
	PasteErr error
}

// NewSimulatedBackend returns a backend that inserts text directly.
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{}
}

// NewSimulatedPasteBackend returns a backend that injects text the way
// the evdev backend does: through a clipboard borrow and a paste of
// whatever the clipboard holds at that moment.
func NewSimulatedPasteBackend(b *clipboard.Borrower, acc clipboard.Accessor) *SimulatedBackend {
	return &SimulatedBackend{borrower: b, source: acc}
}

// Listen implements Backend.
func (s *SimulatedBackend) Listen(ctx context.Context, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return ErrAlreadyRunning
	}
	s.listening = true
	s.handler = h
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.listening = false
		s.handler = nil
		s.mu.Unlock()
	}()
	return nil
}

// Type simulates the user typing text. '\b' is backspace; newline, tab
// and escape reset.
func (s *SimulatedBackend) Type(text string) {
	for _, r := range text {
		var ev InputEvent
		s.mu.Lock()
		switch r {
		case '\b':
			ev = BackspaceEvent()
			s.deleteLocked(1)
		case '\n', '\t', '\x1b':
			ev = ResetEvent(r)
			if r != '\x1b' {
				s.insertLocked(string(r))
			}
		default:
			ev = CharEvent(r)
			s.insertLocked(string(r))
		}
		h := s.handler
		s.mu.Unlock()

		if h != nil {
			h(ev)
		}
	}
}

// Press simulates a non-text key such as an arrow.
func (s *SimulatedBackend) Press(key Key) {
	s.mu.Lock()
	h := s.handler
	s.moveLocked(key, 1)
	s.mu.Unlock()
	if h != nil {
		switch key {
		case KeyBackspace:
			h(BackspaceEvent())
		case KeyEnter, KeyTab, KeyEsc:
			h(ResetEvent('\n'))
		default:
			h(ResetEvent(0))
		}
	}
}

// InjectText implements Backend.
func (s *SimulatedBackend) InjectText(text string) error {
	if n, ok := onlyBackspaces(text); ok {
		return s.InjectKeyRepeats(KeyBackspace, n)
	}

	s.mu.Lock()
	err := s.TextErr
	s.injected = append(s.injected, Injection{Text: text})
	borrower := s.borrower
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if borrower == nil {
		s.mu.Lock()
		s.insertLocked(text)
		s.mu.Unlock()
		return nil
	}
	return borrower.Paste(text, func() error {
		s.mu.Lock()
		perr := s.PasteErr
		s.mu.Unlock()
		if perr != nil {
			return perr
		}
		pasted, err := s.source.ReadText()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.insertLocked(pasted)
		s.mu.Unlock()
		return nil
	})
}

// InjectKeyRepeats implements Backend.
func (s *SimulatedBackend) InjectKeyRepeats(key Key, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, Injection{Key: key, Count: count})
	if s.KeyErr != nil {
		return s.KeyErr
	}
	s.moveLocked(key, count)
	return nil
}

func (s *SimulatedBackend) moveLocked(key Key, count int) {
	switch key {
	case KeyBackspace:
		s.deleteLocked(count)
	case KeyLeft:
		s.cursor = max(0, s.cursor-count)
	case KeyRight:
		s.cursor = min(len(s.doc), s.cursor+count)
	case KeyHome:
		s.cursor = 0
	case KeyEnd:
		s.cursor = len(s.doc)
	}
}

func (s *SimulatedBackend) insertLocked(text string) {
	r := []rune(text)
	doc := make([]rune, 0, len(s.doc)+len(r))
	doc = append(doc, s.doc[:s.cursor]...)
	doc = append(doc, r...)
	doc = append(doc, s.doc[s.cursor:]...)
	s.doc = doc
	s.cursor += len(r)
}

func (s *SimulatedBackend) deleteLocked(n int) {
	n = min(n, s.cursor)
	s.doc = append(s.doc[:s.cursor-n], s.doc[s.cursor:]...)
	s.cursor -= n
}

// Document returns the simulated text field contents.
func (s *SimulatedBackend) Document() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.doc)
}

// Cursor returns the caret position in runes.
func (s *SimulatedBackend) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Injections returns every inject call made so far.
func (s *SimulatedBackend) Injections() []Injection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Injection(nil), s.injected...)
}

package hw

import "log/slog"

// Handler services one interrupt delivery. It runs with its own line masked
// and must signal EOI through the controller before returning.
type Handler func()

// InterruptController multiplexes IRQ lines to subscribed handlers and
// accepts end-of-interrupt signals.
type InterruptController interface {
	Subscribe(line uint8, h Handler)
	Enable(line uint8)
	Disable(line uint8)
	EOI(line uint8)
}

// LineSet is a uniprocessor InterruptController. Delivery is synchronous:
// Raise invokes the subscribed handler directly, holding the line masked
// until the handler signals EOI. A raise against a masked or in-service line
// is latched and redelivered on unmask/EOI.
//
// The platform interrupt controller (PIC/APIC glue) satisfies the same
// interface; LineSet is what tests and the poll loop use.
type LineSet struct {
	lines map[uint8]*lineState
	log   *slog.Logger
}

type lineState struct {
	handler   Handler
	enabled   bool
	inService bool
	pending   bool
}

// NewLineSet builds an empty LineSet.
func NewLineSet(log *slog.Logger) *LineSet {
	if log == nil {
		log = slog.Default()
	}
	return &LineSet{
		lines: make(map[uint8]*lineState),
		log:   log,
	}
}

func (l *LineSet) line(n uint8) *lineState {
	s, ok := l.lines[n]
	if !ok {
		s = &lineState{}
		l.lines[n] = s
	}
	return s
}

// Subscribe registers the delegate for a line. The line stays masked until
// Enable is called.
func (l *LineSet) Subscribe(line uint8, h Handler) {
	l.line(line).handler = h
}

// Enable unmasks a line, delivering any latched interrupt.
func (l *LineSet) Enable(line uint8) {
	s := l.line(line)
	s.enabled = true
	if s.pending {
		s.pending = false
		l.Raise(line)
	}
}

// Disable masks a line.
func (l *LineSet) Disable(line uint8) {
	l.line(line).enabled = false
}

// EOI signals end-of-interrupt for a line. A delivery latched while the line
// was in service fires immediately.
func (l *LineSet) EOI(line uint8) {
	s := l.line(line)
	s.inService = false
	if s.pending && s.enabled {
		s.pending = false
		l.Raise(line)
	}
}

// Raise asserts a line. With the line enabled and idle the handler runs to
// completion on the caller's stack; otherwise the assertion is latched.
func (l *LineSet) Raise(line uint8) {
	s := l.line(line)
	if s.handler == nil || !s.enabled || s.inService {
		s.pending = true
		return
	}

	s.inService = true
	s.handler()
}

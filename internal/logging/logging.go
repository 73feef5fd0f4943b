// Package logging defines the logger the engine emits operational
// events to. Background work logs under a bracketed subsystem prefix
// ([flush], [compact], [recover]) so interleaved lines stay readable.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger receives engine log lines. Implementations must be safe for
// concurrent use.
type Logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Nop discards all log lines.
var Nop Logger = nopLogger{}

type stdLogger struct {
	l *log.Logger
}

// New returns a Logger writing timestamped lines to w, or to stderr when
// w is nil.
func New(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &stdLogger{l: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

func (s *stdLogger) Infof(format string, args ...any) {
	s.l.Output(2, fmt.Sprintf(format, args...))
}

func (s *stdLogger) Errorf(format string, args ...any) {
	s.l.Output(2, "ERROR "+fmt.Sprintf(format, args...))
}

type prefixLogger struct {
	base   Logger
	prefix string
}

// WithPrefix returns a Logger that prepends a bracketed subsystem name
// to every line.
func WithPrefix(base Logger, subsystem string) Logger {
	if base == nil {
		base = Nop
	}
	return &prefixLogger{base: base, prefix: "[" + subsystem + "] "}
}

func (p *prefixLogger) Infof(format string, args ...any) {
	p.base.Infof(p.prefix+format, args...)
}

func (p *prefixLogger) Errorf(format string, args ...any) {
	p.base.Errorf(p.prefix+format, args...)
}

// Package logging is a thin leveled wrapper around the standard library
// log package, matching the plain log.Printf/log.Fatalf style the rest of
// this codebase's ancestry uses, but with verbosity gating for the -v/-vv/-vvv
// tracing levels the daemon's CLI exposes.
package logging

import (
	"io"
	"log"
	"os"
)

// Level selects which messages Logger.Infof/Debugf/Tracef emit. The zero
// value, LevelQuiet, matches the daemon's default of zero -v flags: only
// Errorf and Fatalf reach stderr.
type Level int

const (
	LevelQuiet Level = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger wraps a *log.Logger with a verbosity level. The zero value is not
// usable; use New.
type Logger struct {
	level Level
	std   *log.Logger
}

// New builds a Logger writing to stderr with the standard log flags, at the
// given level.
func New(level Level) *Logger {
	return &Logger{level: level, std: log.New(os.Stderr, "", log.LstdFlags)}
}

// NewWithWriter builds a Logger writing to w instead of stderr, letting
// tests point it at io.Discard.
func NewWithWriter(level Level, w io.Writer) *Logger {
	return &Logger{level: level, std: log.New(w, "", log.LstdFlags)}
}

// Level reports the logger's current verbosity.
func (l *Logger) Level() Level { return l.level }

// Infof logs at -v (LevelInfo) or higher.
func (l *Logger) Infof(format string, args ...any) {
	if l.level >= LevelInfo {
		l.std.Printf(format, args...)
	}
}

// Debugf logs only at -vv (LevelDebug) or higher.
func (l *Logger) Debugf(format string, args ...any) {
	if l.level >= LevelDebug {
		l.std.Printf("[DEBUG] "+format, args...)
	}
}

// Tracef logs only at -vvv (LevelTrace), the level the netlink source uses
// to dump raw messages.
func (l *Logger) Tracef(format string, args ...any) {
	if l.level >= LevelTrace {
		l.std.Printf("[TRACE] "+format, args...)
	}
}

// Errorf always logs, prefixed distinctly from Infof so operators can grep
// for failures.
func (l *Logger) Errorf(format string, args ...any) {
	l.std.Printf("[ERROR] "+format, args...)
}

// Fatalf logs and exits the process, mirroring log.Fatalf.
func (l *Logger) Fatalf(format string, args ...any) {
	l.std.Fatalf(format, args...)
}

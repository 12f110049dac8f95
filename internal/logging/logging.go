// Package logging is a component-scoped facade over zerolog, matching
// the shape of the teacher's hand-rolled logger (Global/New/WithField/
// Trace) while funneling every call through zerolog's structured Event
// builder instead of ad hoc formatting.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger scoped to one component.
type Logger struct {
	base zerolog.Logger
}

var (
	globalMu  sync.RWMutex
	global    *Logger
	globalSet bool
)

// Configure initializes the process-wide logger output and level. It is
// safe to call once at startup; subsequent New() calls inherit it.
func Configure(w io.Writer, level zerolog.Level, pretty bool) {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.SetGlobalLevel(level)
	l := zerolog.New(w).With().Timestamp().Logger()
	globalMu.Lock()
	global = &Logger{base: l}
	globalSet = true
	globalMu.Unlock()
}

// Global returns the process-wide default logger, configuring a
// reasonable stderr/info default the first time it is called.
func Global() *Logger {
	globalMu.RLock()
	if globalSet {
		g := global
		globalMu.RUnlock()
		return g
	}
	globalMu.RUnlock()
	Configure(os.Stderr, zerolog.InfoLevel, false)
	return Global()
}

// SetGlobal overrides the process-wide default logger, for tests that
// want to capture output.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	global = l
	globalSet = true
	globalMu.Unlock()
}

// New returns a logger scoped to component, derived from Global().
func New(component string) *Logger {
	return Global().WithComponent(component)
}

// WithComponent returns a derived logger tagging every event with a
// "component" field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base.With().Str("component", component).Logger()}
}

// WithField returns a derived logger with one extra structured field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{base: l.base.With().Interface(key, value).Logger()}
}

// WithFields returns a derived logger with several extra structured
// fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.base.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{base: ctx.Logger()}
}

func (l *Logger) Debug(msg string) { l.base.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.base.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.base.Warn().Msg(msg) }
func (l *Logger) Error(err error, msg string) {
	l.base.Error().Err(err).Msg(msg)
}

// Trace logs entry/exit of a named operation and returns a function to
// be deferred at the call site to log its duration.
func (l *Logger) Trace(name string) func() {
	start := time.Now()
	l.base.Debug().Str("op", name).Msg("enter")
	return func() {
		l.base.Debug().Str("op", name).Dur("elapsed", time.Since(start)).Msg("exit")
	}
}

// TraceWithArgs is Trace plus a fixed set of argument fields logged on
// entry, useful when the arguments matter more than the timing.
func (l *Logger) TraceWithArgs(name string, args map[string]any) func() {
	start := time.Now()
	ev := l.base.Debug().Str("op", name)
	for k, v := range args {
		ev = ev.Interface(k, v)
	}
	ev.Msg("enter")
	return func() {
		l.base.Debug().Str("op", name).Dur("elapsed", time.Since(start)).Msg("exit")
	}
}

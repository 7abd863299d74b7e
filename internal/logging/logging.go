// Package logging provides Cascada's structured logging surface: a thin,
// swappable package-level global in the SetStructuredLogger/getGlobalLogger
// mold, backed directly by github.com/joeycumines/logiface instead of a
// bespoke LogEntry type.
package logging

import (
	"log"
	"os"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/logiface/stumpy"
)

// Logger is the type-erased logger every Cascada package logs through.
type Logger = logiface.Logger[logiface.Event]

var global atomic.Pointer[Logger]

// SetLogger installs l as the package-wide default logger used by every
// Cascada component that doesn't have one configured explicitly (e.g. via
// sched.WithLogger).
func SetLogger(l *Logger) {
	if l == nil {
		return
	}
	global.Store(l)
}

// Default returns the current package-wide logger, lazily constructing a
// stumpy-backed one (writing newline-delimited JSON to stderr) on first use.
func Default() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l := NewStderrLogger(logiface.LevelInformational)
	SetLogger(l)
	return l
}

// NewStderrLogger builds a logiface logger writing newline-delimited JSON
// to stderr at the given minimum level, using logiface's own stumpy event
// implementation rather than a hand-rolled encoder.
func NewStderrLogger(level logiface.Level) *Logger {
	typed := logiface.New[*stumpy.Event](
		stumpy.WithStumpy(stumpy.WithWriter(os.Stderr)),
		logiface.WithLevel[*stumpy.Event](level),
	)
	return typed.Logger()
}

// SafeLog invokes fn against l, recovering any panic raised by a
// misbehaving logger implementation and falling back to log.Printf so a
// broken logger can never take down the caller.
func SafeLog(l *Logger, fallbackMsg string, fn func(*Logger)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s (logger panicked: %v)", fallbackMsg, r)
		}
	}()
	if l == nil {
		l = Default()
	}
	fn(l)
}

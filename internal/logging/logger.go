// Package logging provides the diagnostic logger used internally by the
// watch engine. It is deliberately small: the engine's event stream flows
// exclusively through the host-supplied Sink (see the watch package), and
// this logger only ever carries side-channel diagnostics (registration
// attempts, teardown warnings, decode anomalies).
package logging

import (
	"fmt"
	"log"
	"strings"

	"github.com/fatih/color"
)

// DebugEnabled controls whether Debug-level logging is emitted. It is a
// package variable, rather than a per-Logger flag, so that it can be toggled
// globally (from the demo CLI's --log-level flag) without threading a
// setting through every Logger constructed in the engine.
var DebugEnabled = false

// Field attaches a single piece of structured context to a diagnostic —
// the watch-point path a warning pertains to, the kind of command that
// failed, and so on. Diagnostics in this package are rarely bare strings:
// almost everything the watch engine logs is scoped to one path or one
// command, so that context is carried as data rather than baked into a
// formatted message.
type Field struct {
	key   string
	value interface{}
}

// Path tags a diagnostic with the watch-point path it concerns.
func Path(path string) Field {
	return Field{key: "path", value: path}
}

// Command tags a diagnostic with the kind of command being executed when it
// occurred (e.g. "register", "unregister", "close").
func Command(kind string) Field {
	return Field{key: "command", value: kind}
}

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything. It uses the standard
// logger provided by the log package, so it respects any flags set for that
// logger. It is safe for concurrent usage.
type Logger struct {
	// prefix is any prefix specified for the logger.
	prefix string
}

// RootLogger is the root logger from which all other loggers derive.
var RootLogger = &Logger{}

// Sublogger creates a new sublogger with the specified name.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix}
}

// format renders a message and its structured fields into a single line,
// e.g. "unable to watch path=/tmp/a command=register".
func format(message string, fields []Field) string {
	if len(fields) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString(message)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.key, f.value)
	}
	return b.String()
}

// output is the internal logging method.
func (l *Logger) output(calldepth int, line string) {
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}
	log.Output(calldepth, line)
}

// Debug logs a diagnostic with optional structured fields, but only if
// debugging is enabled (otherwise it's a no-op).
func (l *Logger) Debug(message string, fields ...Field) {
	if l != nil && DebugEnabled {
		l.output(3, format(message, fields))
	}
}

// Warn logs a recoverable error with optional structured fields, with a
// warning prefix and yellow color. The engine keeps running after a Warn;
// the condition was handled.
func (l *Logger) Warn(err error, fields ...Field) {
	if l != nil {
		l.output(3, color.YellowString("Warning: %s", format(err.Error(), fields)))
	}
}

// Error logs an unrecoverable error with optional structured fields, with an
// error prefix and red color. Error is reserved for conditions that end the
// loop goroutine; anything the engine survives is a Warn.
func (l *Logger) Error(err error, fields ...Field) {
	if l != nil {
		l.output(3, color.RedString("Error: %s", format(err.Error(), fields)))
	}
}

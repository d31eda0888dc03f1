// Package obslog provides the structured logging surface every engine
// operation that mutates state (CreateStream, NewBranch, Subscribe,
// SendKeyload, ...) uses to emit a leveled, field-tagged entry: Field
// constructors, a package-level default logger, per-call structured
// fields, backed by github.com/sirupsen/logrus.
package obslog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Field represents a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Uint64 returns a uint64 field, used for cursors and sequence numbers.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Error returns an error field.
func Error(err error) Field { return Field{Key: "error", Value: err} }

// Logger wraps a logrus.Entry so call sites deal in the Field type above
// rather than logrus.Fields directly.
type Logger struct {
	entry *logrus.Entry
}

// New constructs a Logger at the given level ("debug", "info", "warn",
// "error"; unrecognized values fall back to "info"), writing JSON-formatted
// entries.
func New(level string) *Logger {
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
	return &Logger{entry: logrus.NewEntry(base)}
}

// NewTestLogger returns a logger that discards output, suitable for tests
// and for any constructor-options path that omits an explicit logger.
func NewTestLogger() *Logger {
	base := logrus.New()
	base.SetOutput(discardWriter{})
	return &Logger{entry: logrus.NewEntry(base)}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

var (
	globalMu     sync.RWMutex
	globalLogger = NewTestLogger()
)

// ReplaceGlobals swaps the package-level default logger used by L().
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current package-level default logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a derived logger carrying the given structured fields in
// addition to any already attached.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	data := make(logrus.Fields, len(fields))
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return &Logger{entry: l.entry.WithFields(data)}
}

func (l *Logger) Debug(message string, fields ...Field) { l.With(fields...).entry.Debug(message) }
func (l *Logger) Info(message string, fields ...Field)  { l.With(fields...).entry.Info(message) }
func (l *Logger) Warn(message string, fields ...Field)  { l.With(fields...).entry.Warn(message) }
func (l *Logger) Error(message string, fields ...Field) { l.With(fields...).entry.Error(message) }

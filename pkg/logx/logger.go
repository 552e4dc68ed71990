// Package logx provides structured logging for the dwell daemon
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger provides structured JSON logging with key/value pairs
type Logger struct {
	entry *logrus.Entry
}

// New creates a new structured logger writing to stdout
func New(levelStr string) *Logger {
	return NewWithWriter(levelStr, os.Stdout)
}

// NewWithWriter creates a logger writing JSON lines to w
func NewWithWriter(levelStr string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(parseLevel(levelStr))
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	return &Logger{entry: logrus.NewEntry(base)}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewWithWriter("error", io.Discard)
}

// parseLevel converts string to a logrus level
func parseLevel(levelStr string) logrus.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Level returns the active level name
func (l *Logger) Level() string {
	return l.entry.Logger.GetLevel().String()
}

// With returns a child logger that always carries the given pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(toFields(keysAndValues))}
}

func toFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		value := keysAndValues[i+1]
		if err, ok := value.(error); ok && err != nil {
			value = err.Error()
		}
		fields[key] = value
	}
	return fields
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).Error(msg)
}

// LogStateChange logs a component state transition
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	kv := []interface{}{"component", component, "from", from, "to", to, "reason", reason}
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	l.Info("state change", kv...)
}

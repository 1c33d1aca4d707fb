package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel parses "debug", "info", "warn" or "error" (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Logger provides structured logging capabilities
// This abstraction allows swapping logging implementations
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})

	// WithFields returns a logger that attaches fields to every entry
	WithFields(fields map[string]interface{}) Logger

	// WithContext returns a logger carrying the request ID found in ctx, if any
	WithContext(ctx context.Context) Logger
}

// Fields is shorthand for logger fields.
type Fields = map[string]interface{}

type formatter func(level Level, msg string, fields map[string]interface{}) string

// stdLogger implements Logger on top of the standard log package.
// Text and JSON variants differ only in their formatter.
type stdLogger struct {
	out    *log.Logger
	errOut *log.Logger
	min    Level
	format formatter
	fields map[string]interface{}
}

// NewDefaultLogger creates a text logger: INFO/DEBUG go to stdout, WARN/ERROR to stderr.
func NewDefaultLogger() Logger {
	return &stdLogger{
		out:    log.New(os.Stdout, "", log.LstdFlags),
		errOut: log.New(os.Stderr, "", log.LstdFlags),
		min:    LevelDebug,
		format: textFormat,
	}
}

// NewJSONLogger creates a logger that writes one JSON object per line to stdout.
func NewJSONLogger() Logger {
	return NewJSONLoggerTo(os.Stdout, LevelDebug)
}

// NewJSONLoggerTo creates a JSON logger writing to w, dropping entries below min.
func NewJSONLoggerTo(w io.Writer, min Level) Logger {
	l := log.New(w, "", 0)
	return &stdLogger{out: l, errOut: l, min: min, format: jsonFormat}
}

// NewTextLoggerTo creates a text logger writing every level to w, dropping entries below min.
func NewTextLoggerTo(w io.Writer, min Level) Logger {
	l := log.New(w, "", log.LstdFlags)
	return &stdLogger{out: l, errOut: l, min: min, format: textFormat}
}

// NewLogger builds a logger from a format name ("text" or "json") and a level name.
func NewLogger(format, level string) (Logger, error) {
	min, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "text":
		l := NewDefaultLogger().(*stdLogger)
		l.min = min
		return l, nil
	case "json":
		return NewJSONLoggerTo(os.Stdout, min), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func textFormat(level Level, msg string, fields map[string]interface{}) string {
	if len(fields) == 0 {
		return "[" + level.String() + "] " + msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("[" + level.String() + "] " + msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

type jsonEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func jsonFormat(level Level, msg string, fields map[string]interface{}) string {
	data, err := json.Marshal(jsonEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   msg,
		Fields:    stringifyErrors(fields),
	})
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","message":"log encode failed: %v"}`, err)
	}
	return string(data)
}

// errors marshal to {} by default
func stringifyErrors(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}

func (l *stdLogger) emit(level Level, msg string) {
	if level < l.min {
		return
	}
	line := l.format(level, msg, l.fields)
	if level >= LevelWarn {
		l.errOut.Output(3, line)
		return
	}
	l.out.Output(3, line)
}

func (l *stdLogger) Error(args ...interface{}) { l.emit(LevelError, fmt.Sprint(args...)) }

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.emit(LevelError, fmt.Sprintf(format, args...))
}

func (l *stdLogger) Warn(args ...interface{}) { l.emit(LevelWarn, fmt.Sprint(args...)) }

func (l *stdLogger) Warnf(format string, args ...interface{}) {
	l.emit(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *stdLogger) Info(args ...interface{}) { l.emit(LevelInfo, fmt.Sprint(args...)) }

func (l *stdLogger) Infof(format string, args ...interface{}) {
	l.emit(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *stdLogger) Debug(args ...interface{}) { l.emit(LevelDebug, fmt.Sprint(args...)) }

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	l.emit(LevelDebug, fmt.Sprintf(format, args...))
}

func (l *stdLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	cp := *l
	cp.fields = merged
	return &cp
}

func (l *stdLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	if rid := GetRequestID(ctx); rid != "" {
		return l.WithFields(Fields{"request_id": rid})
	}
	return l
}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return NewTextLoggerTo(io.Discard, LevelError+1)
}

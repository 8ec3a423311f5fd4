package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	// LevelError only logs errors
	LevelError LogLevel = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs general information, warnings and errors
	LevelInfo
	// LevelDebug logs detailed debug information and all above
	LevelDebug
	// LevelTrace logs very detailed trace information and all above
	LevelTrace
)

var levelNames = map[LogLevel]string{
	LevelError: "ERROR",
	LevelWarn:  "WARN",
	LevelInfo:  "INFO",
	LevelDebug: "DEBUG",
	LevelTrace: "TRACE",
}

var logrusLevels = map[LogLevel]logrus.Level{
	LevelError: logrus.ErrorLevel,
	LevelWarn:  logrus.WarnLevel,
	LevelInfo:  logrus.InfoLevel,
	LevelDebug: logrus.DebugLevel,
	LevelTrace: logrus.TraceLevel,
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

// ParseLevel converts a level name such as "debug" or "TRACE" to a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for level, name := range levelNames {
		if name == want {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger provides structured logging capabilities. Loggers derived with
// WithPrefix share their parent's level, format and output.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger("fatfuse")

		// Set initial log level from environment
		if level := os.Getenv("LOG_LEVEL"); level != "" {
			if parsed, err := ParseLevel(level); err == nil {
				defaultLogger.SetLevel(parsed)
			}
		}

		// Enable debug logging if FUSE_DEBUG is set
		if os.Getenv("FUSE_DEBUG") != "" {
			defaultLogger.SetLevel(LevelDebug)
		}

		if os.Getenv("LOG_FORMAT") != "" {
			_ = defaultLogger.SetFormat(os.Getenv("LOG_FORMAT"))
		}
	})
	return defaultLogger
}

// NewLogger creates a new logger with the given component name
func NewLogger(component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(logrus.InfoLevel) // Default to INFO level
	base.SetFormatter(textFormatter())

	return &Logger{
		base:  base,
		entry: base.WithField("component", component),
	}
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	if lv, ok := logrusLevels[level]; ok {
		l.base.SetLevel(lv)
	}
}

// Level returns the current logging level
func (l *Logger) Level() LogLevel {
	for level, lv := range logrusLevels {
		if lv == l.base.GetLevel() {
			return level
		}
	}
	return LevelInfo
}

// SetFormat selects "text" or "json" output
func (l *Logger) SetFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		l.base.SetFormatter(textFormatter())
	case "json":
		l.base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Trace logs a trace message
func (l *Logger) Trace(format string, args ...interface{}) {
	l.entry.Tracef(format, args...)
}

// WithPrefix creates a logger for a sub-component
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		base:  l.base,
		entry: l.entry.WithField("component", prefix),
	}
}

// WithField returns a logger that adds key=value to every message
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		base:  l.base,
		entry: l.entry.WithField(key, value),
	}
}

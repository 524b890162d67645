// Package logger provides leveled logging for the gateway and desktop app.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config-file level string to a LogLevel.
// Unknown values fall back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled log messages to one or more outputs.
type Logger struct {
	mu      sync.RWMutex
	level   LogLevel
	prefix  string
	logger  *log.Logger
	fileOut *os.File
}

var defaultLogger *Logger
var once sync.Once

func init() {
	defaultLogger = New("[ccmate] ", LevelInfo, os.Stdout)
}

// New creates a new Logger instance writing to output.
func New(prefix string, level LogLevel, output io.Writer) *Logger {
	return &Logger{
		level:  level,
		prefix: prefix,
		logger: log.New(output, prefix, log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// NewWithFile creates a Logger that writes to both stdout and a dated file
// under logDir.
func NewWithFile(prefix string, level LogLevel, logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("gateway-%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, file)
	return &Logger{
		level:   level,
		prefix:  prefix,
		logger:  log.New(multi, prefix, log.Ldate|log.Ltime|log.Lshortfile),
		fileOut: file,
	}, nil
}

// Close closes the file handle, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileOut != nil {
		return l.fileOut.Close()
	}
	return nil
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// SetOutput replaces the output writer.
func (l *Logger) SetOutput(output io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.SetOutput(output)
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.RLock()
	currentLevel := l.level
	l.mu.RUnlock()

	if level < currentLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Output(3, fmt.Sprintf("[%s] %s", level.String(), msg))
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Package-level functions that use the default logger

// SetDefaultLevel sets the log level for the default logger.
func SetDefaultLevel(level LogLevel) { defaultLogger.SetLevel(level) }

// Debug logs a debug message using the default logger.
func Debug(format string, args ...interface{}) { defaultLogger.Debug(format, args...) }

// Info logs an informational message using the default logger.
func Info(format string, args ...interface{}) { defaultLogger.Info(format, args...) }

// Warn logs a warning message using the default logger.
func Warn(format string, args ...interface{}) { defaultLogger.Warn(format, args...) }

// Error logs an error message using the default logger.
func Error(format string, args ...interface{}) { defaultLogger.Error(format, args...) }

// GetDefault returns the default logger instance.
func GetDefault() *Logger { return defaultLogger }

// InitDefault initializes the default logger once with custom settings.
// When logDir is non-empty the logger also writes to a dated file there.
func InitDefault(prefix string, level LogLevel, logDir string) error {
	var err error
	once.Do(func() {
		if logDir != "" {
			defaultLogger, err = NewWithFile(prefix, level, logDir)
		} else {
			defaultLogger = New(prefix, level, os.Stdout)
		}
	})
	return err
}

// RequestLogger prefixes every message with a request id.
type RequestLogger struct {
	logger    *Logger
	requestID string
}

// NewRequestLogger creates a request-scoped logger on top of the default one.
func NewRequestLogger(requestID string) *RequestLogger {
	return &RequestLogger{logger: defaultLogger, requestID: requestID}
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	r.logger.Debug("[%s] "+format, append([]interface{}{r.requestID}, args...)...)
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	r.logger.Info("[%s] "+format, append([]interface{}{r.requestID}, args...)...)
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	r.logger.Warn("[%s] "+format, append([]interface{}{r.requestID}, args...)...)
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	r.logger.Error("[%s] "+format, append([]interface{}{r.requestID}, args...)...)
}

// Package logger is the leveled diagnostic log used across espagent.
//
// Operator-facing console output never goes through here. Log lines are
// written to the file named by ESPAGENT_LOG_FILE (or the log_file config
// key) and discarded otherwise, so the interactive prompt stays clean.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

const (
	envLevel = "ESPAGENT_LOG_LEVEL"
	envFile  = "ESPAGENT_LOG_FILE"
)

// Level represents a log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel parses a case-insensitive level name. Unknown names yield
// LevelInfo together with an error.
func ParseLevel(s string) (Level, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for level, name := range levelNames {
		if name == want {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("invalid log level: %s", s)
}

// Logger is a mutex-guarded leveled logger.
type Logger struct {
	mu     sync.Mutex
	level  Level
	logger *log.Logger
	file   *os.File
}

// Default is the process-wide logger used by the package functions.
var Default = New()

// New creates a logger configured from ESPAGENT_LOG_LEVEL and
// ESPAGENT_LOG_FILE.
func New() *Logger {
	l := &Logger{
		level:  LevelInfo,
		logger: log.New(io.Discard, "", log.LstdFlags),
	}
	// Env values are best effort; a bad level or unwritable file leaves
	// the defaults in place.
	_ = l.Configure(os.Getenv(envLevel), os.Getenv(envFile))
	return l
}

// Configure applies a level name and log file path. Empty values leave the
// current setting untouched. A previously opened file is closed when a new
// one replaces it.
func (l *Logger) Configure(level, path string) error {
	if level != "" {
		parsed, err := ParseLevel(level)
		if err != nil {
			return err
		}
		l.SetLevel(parsed)
	}
	if path == "" {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file = f
	l.logger.SetOutput(f)
	return nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.logger.SetOutput(io.Discard)
	return err
}

// SetLevel sets the minimum level that is written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput redirects log lines to w.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.SetOutput(w)
}

func (l *Logger) Debug(format string, v ...any) { l.log(LevelDebug, format, v...) }
func (l *Logger) Info(format string, v ...any)  { l.log(LevelInfo, format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.log(LevelWarn, format, v...) }
func (l *Logger) Error(format string, v ...any) { l.log(LevelError, format, v...) }

func (l *Logger) log(level Level, format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}
	l.logger.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Debug logs through Default.
func Debug(format string, v ...any) { Default.Debug(format, v...) }

// Info logs through Default.
func Info(format string, v ...any) { Default.Info(format, v...) }

// Warn logs through Default.
func Warn(format string, v ...any) { Default.Warn(format, v...) }

// Error logs through Default.
func Error(format string, v ...any) { Default.Error(format, v...) }

// Configure reconfigures Default.
func Configure(level, path string) error { return Default.Configure(level, path) }

// Close closes Default's log file.
func Close() error { return Default.Close() }

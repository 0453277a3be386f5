package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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
	default:
		return "UNKNOWN"
	}
}

var (
	defaultSink *sink
	sinkOnce    sync.Once
)

// sink owns the shared debug log file. Component loggers share one sink so the
// file is opened once per process.
type sink struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	level  Level
}

func defaultLogSink() *sink {
	sinkOnce.Do(func() {
		defaultSink = newSink(LevelDebug)
	})
	return defaultSink
}

func newSink(level Level) *sink {
	s := &sink{level: level}

	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("failed to resolve home directory: %v", err)
		return s
	}
	path := filepath.Join(home, "fable-debug.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return s
	}
	s.file = file
	s.logger = log.New(file, "", 0) // formatted by write below
	return s
}

func (s *sink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level || s.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	if component != "" {
		s.logger.Printf("%s [%s] [%s] %s", ts, level, component, msg)
		return
	}
	s.logger.Printf("%s [%s] %s", ts, level, msg)
}

// SetLevel adjusts the minimum level written by the shared sink.
func SetLevel(level Level) {
	s := defaultLogSink()
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

type componentLogger struct {
	sink      *sink
	component string
}

// NewComponentLogger returns the default application logger scoped to a
// component. All component loggers append to fable-debug.log in the user's
// home directory.
func NewComponentLogger(component string) Logger {
	return &componentLogger{sink: defaultLogSink(), component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.sink.write(LevelDebug, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.sink.write(LevelInfo, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.sink.write(LevelWarn, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.sink.write(LevelError, l.component, format, args...)
}

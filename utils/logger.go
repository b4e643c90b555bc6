package utils

import (
	"fmt"
	"io"
	"log"
	"os"
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

// ParseLevel maps debug|info|warn|error to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Logger provides leveled logging throughout the application.
type Logger struct {
	out    *log.Logger
	err    *log.Logger
	min    Level
	prefix string
}

// NewLogger creates a Logger writing info/warn/debug to stdout and errors to stderr.
func NewLogger() *Logger {
	return &Logger{
		out: log.New(os.Stdout, "", 0),
		err: log.New(os.Stderr, "", 0),
		min: LevelInfo,
	}
}

// NewLoggerTo creates a Logger sending every level to w.
func NewLoggerTo(w io.Writer, min Level) *Logger {
	l := log.New(w, "", 0)
	return &Logger{out: l, err: l, min: min}
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewLoggerTo(io.Discard, LevelError+1)
}

// SetLevel changes the minimum level that is written.
func (l *Logger) SetLevel(min Level) { l.min = min }

// With returns a Logger that tags every line with [component].
func (l *Logger) With(component string) *Logger {
	c := *l
	c.prefix = "[" + component + "] "
	return &c
}

func (l *Logger) timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func (l *Logger) write(dst *log.Logger, lvl Level, tag, format string, args ...any) {
	if lvl < l.min {
		return
	}
	dst.Printf("[%s] %s %s%s", l.timestamp(), tag, l.prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	l.write(l.out, LevelInfo, "\033[32mINFO\033[0m ", format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.write(l.out, LevelWarn, "\033[33mWARN\033[0m ", format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.write(l.err, LevelError, "\033[31mERROR\033[0m", format, args...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.write(l.out, LevelDebug, "\033[36mDEBUG\033[0m", format, args...)
}

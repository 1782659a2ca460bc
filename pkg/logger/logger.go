// Package logger provides component-tagged structured logging on top of log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	base     = newBase(os.Stderr, false)
)

func newBase(w io.Writer, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Configure replaces the output sink. JSON output is used for long-running servers.
func Configure(w io.Writer, jsonOutput bool) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	base = newBase(w, jsonOutput)
}

func SetLevel(level LogLevel) {
	switch level {
	case DEBUG:
		levelVar.Set(slog.LevelDebug)
	case WARN:
		levelVar.Set(slog.LevelWarn)
	case ERROR:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel; anything else is INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Slog returns the underlying logger scoped to component, for libraries that take a *slog.Logger.
func Slog(component string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if component == "" {
		return base
	}
	return base.With("component", component)
}

func log(level slog.Level, component, message string, fields map[string]any) {
	mu.RLock()
	l := base
	mu.RUnlock()

	args := make([]any, 0, 2+len(fields)*2)
	if component != "" {
		args = append(args, "component", component)
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	l.Log(context.Background(), level, message, args...)
}

func Debug(message string)                                     { log(slog.LevelDebug, "", message, nil) }
func DebugC(component, message string)                         { log(slog.LevelDebug, component, message, nil) }
func DebugF(message string, fields map[string]any)             { log(slog.LevelDebug, "", message, fields) }
func DebugCF(component, message string, fields map[string]any) { log(slog.LevelDebug, component, message, fields) }

func Info(message string)                                     { log(slog.LevelInfo, "", message, nil) }
func InfoC(component, message string)                         { log(slog.LevelInfo, component, message, nil) }
func InfoF(message string, fields map[string]any)             { log(slog.LevelInfo, "", message, fields) }
func InfoCF(component, message string, fields map[string]any) { log(slog.LevelInfo, component, message, fields) }

func Warn(message string)                                     { log(slog.LevelWarn, "", message, nil) }
func WarnC(component, message string)                         { log(slog.LevelWarn, component, message, nil) }
func WarnF(message string, fields map[string]any)             { log(slog.LevelWarn, "", message, fields) }
func WarnCF(component, message string, fields map[string]any) { log(slog.LevelWarn, component, message, fields) }

func Error(message string)                                     { log(slog.LevelError, "", message, nil) }
func ErrorC(component, message string)                         { log(slog.LevelError, component, message, nil) }
func ErrorF(message string, fields map[string]any)             { log(slog.LevelError, "", message, fields) }
func ErrorCF(component, message string, fields map[string]any) { log(slog.LevelError, component, message, fields) }

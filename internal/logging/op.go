// Package logging holds the operational slog logger and the per-call log
// written for every cached read and upstream request.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// Op returns the operational logger for daemon and infrastructure logs.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Component returns the operational logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Op().With("component", name)
}

// SetLevel changes the operational log level.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the level from "debug", "info", "warn" or "error".
// Unknown values leave the level unchanged.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}

// InitStructured reconfigures the operational logger.
// format: "text" (default) or "json".
func InitStructured(format, level string) {
	InitStructuredTo(os.Stderr, format, level)
}

// InitStructuredTo is InitStructured with an explicit destination.
func InitStructuredTo(w io.Writer, format, level string) {
	SetLevelFromString(level)
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	opLogger.Store(slog.New(handler))
}

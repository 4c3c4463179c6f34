package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// CallLog is one orchestrated call: a cached store read, a store write or an
// upstream API request.
type CallLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"` // "store" or "jupiter"
	Method     string    `json:"method"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Limited    bool      `json:"rate_limited,omitempty"`
	Write      bool      `json:"write,omitempty"`
}

// Logger writes call logs to the console and, optionally, a JSON lines file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	console io.Writer
	file    *os.File
	sinks   []func(CallLog)
}

// NewLogger returns a logger that prints to console when it is non-nil.
func NewLogger(console io.Writer) *Logger {
	return &Logger{enabled: true, console: console}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{}
}

// SetOutput appends JSON call logs to path.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	l.enabled = true
	return nil
}

// AddSink registers fn to receive a copy of every entry, including on a
// Discard logger.
func (l *Logger) AddSink(fn func(CallLog)) {
	l.mu.Lock()
	l.sinks = append(l.sinks, fn)
	l.mu.Unlock()
}

// Log writes entry. A nil Logger is valid and does nothing.
func (l *Logger) Log(entry *CallLog) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	for _, sink := range l.sinks {
		sink(*entry)
	}
	if !l.enabled {
		return
	}

	if l.console != nil {
		status := "ok"
		switch {
		case entry.Limited:
			status = "limited"
		case !entry.Success:
			status = "fail"
		}
		kind := "read"
		if entry.Write {
			kind = "write"
		}
		fmt.Fprintf(l.console, "[%s] %-7s %s %s %dms\n", entry.Source, status, kind, entry.Method, entry.DurationMs)
		if entry.Error != "" {
			fmt.Fprintf(l.console, "[%s]   error: %s\n", entry.Source, entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

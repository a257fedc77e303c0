// Package testutils contains helpers shared by the package tests.
package testutils

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// LogHook implements the logrus.Hook interface and keeps every entry it was
// fired with, so tests can check what a component logged.
type LogHook struct {
	levels  []logrus.Level
	mutex   sync.Mutex
	entries []logrus.Entry
}

var _ logrus.Hook = &LogHook{}

// NewLogHook creates a new LogHook with the given levels. If no levels are
// specified, then logrus.AllLevels will be used.
func NewLogHook(levels ...logrus.Level) *LogHook {
	if len(levels) == 0 {
		levels = logrus.AllLevels
	}
	return &LogHook{levels: levels}
}

// Levels returns the hooked levels.
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}

// Fire saves the entry.
func (h *LogHook) Fire(e *logrus.Entry) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.entries = append(h.entries, *e)
	return nil
}

// Drain returns the currently stored entries and deletes them.
func (h *LogHook) Drain() []logrus.Entry {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	res := h.entries
	h.entries = nil
	return res
}

// Contains reports whether an entry with the given level and a message
// containing msg was logged. It doesn't drain the hook.
func (h *LogHook) Contains(level logrus.Level, msg string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, entry := range h.entries {
		if entry.Level == level && strings.Contains(entry.Message, msg) {
			return true
		}
	}
	return false
}

// NewLogger returns a debug level logger with a hook collecting its entries.
// The output is discarded: background goroutines may still log after the
// test has finished, when t.Logf is no longer allowed.
func NewLogger(tb testing.TB) (*logrus.Logger, *LogHook) {
	tb.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	hook := NewLogHook()
	l.AddHook(hook)

	return l, hook
}

// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog writes the human-readable, newline-delimited event
// log described in spec.md §6: one sanitized line per action or event.
package eventlog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

// Writer appends lines to the event log file. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the event log file at path for
// appending.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: opening %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.file.Close()
}

// sanitize strips CR and LF from s so one log call can never forge a
// second line (§6 "log-injection defence").
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

// Append writes one line: "TS [ACTION] target message". target should
// be a 16-hex sender prefix or "-" when there is none (§6 format).
func (w *Writer) Append(ts time.Time, action, target, message string) error {
	if target == "" {
		target = "-"
	}
	line := fmt.Sprintf("%s [%s] %s %s\n",
		ts.UTC().Format(timeFormat),
		sanitize(strings.ToUpper(action)),
		sanitize(target),
		sanitize(message),
	)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("eventlog: writing line: %w", err)
	}
	return nil
}

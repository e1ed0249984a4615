// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppendWritesSanitizedLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "thrall.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	ts := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	if err := w.Append(ts, "drop", "abc0123456789abc", "cooldown\r\ninjected line"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got := string(data)
	want := "2026-03-05 09:30:00 [DROP] abc0123456789abc cooldowninjected line\n"
	if got != want {
		t.Errorf("Append wrote %q, want %q", got, want)
	}
	if strings.Count(got, "\n") != 1 {
		t.Errorf("expected exactly one line, got %d newlines", strings.Count(got, "\n"))
	}
}

func TestAppendUsesDashForEmptyTarget(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "thrall.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	if err := w.Append(time.Now(), "tick", "", "heartbeat"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "[TICK] - heartbeat") {
		t.Errorf("Append = %q, want a dash target", data)
	}
}

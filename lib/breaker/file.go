// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements breaker file persistence and the Loop /
// Breaker Guard (spec.md §4.8): per-(session,sender) loop counters
// with solicited-reply exemption, breaker tripping, and the knock
// pattern alert.
package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/thrall-guard/thrall/lib/nodeid"
)

// wakeReasonMaxLen bounds the reason field carried in a wake-agent mail
// body, matching the original guard's `reason[:500]` truncation
// (guard/knarr-thrall/handler.py `_wake_agent`).
const wakeReasonMaxLen = 500

// wakeAgentBody is the JSON payload of the system mail the engine sends
// to wake its own agent on a breaker trip or knock-pattern alert,
// grounded on the original guard's `_wake_agent` (handler.py): a single
// `thrall_breaker`-typed envelope naming which breaker_type fired, its
// target, and the reason, so the agent can distinguish a loop trip from
// a knock alert without parsing thrall.log.
type wakeAgentBody struct {
	Type        string `json:"type"`
	WakeAgent   bool   `json:"wake_agent"`
	BreakerType string `json:"breaker_type"`
	Target      string `json:"target"`
	Reason      string `json:"reason"`
	Timestamp   string `json:"timestamp"`
}

// WakeAgentBody encodes the wake-agent mail body for breakerType tripping
// or alerting on target. Callers send it as a "system"-typed mail to
// their own node id, matching the original's msg_type="system" /
// body.type="thrall_breaker" split.
func WakeAgentBody(breakerType, target, reason string, now time.Time) string {
	if len(reason) > wakeReasonMaxLen {
		reason = reason[:wakeReasonMaxLen]
	}
	encoded, _ := json.Marshal(wakeAgentBody{
		Type:        "thrall_breaker",
		WakeAgent:   true,
		BreakerType: breakerType,
		Target:      target,
		Reason:      reason,
		Timestamp:   now.UTC().Format(time.RFC3339),
	})
	return string(encoded)
}

// Breaker is one breakers/<target>.json file (§3).
type Breaker struct {
	Type              string    `json:"type"`
	Target            string    `json:"target"`
	Reason            string    `json:"reason"`
	TrippedAt         time.Time `json:"tripped_at"`
	TripCount         int       `json:"trip_count"`
	AutoExpireSeconds int       `json:"auto_expire_seconds"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// ErrInvalidFile marks a breaker file that parsed as invalid JSON.
// Per §7, such a file is skipped and logged but left in place for an
// operator to repair — callers should treat this the same as "no
// active breaker" rather than fail closed on a corrupt file no caller
// here can safely delete.
var ErrInvalidFile = errors.New("breaker: invalid file")

func pathFor(dir, target string) string {
	return filepath.Join(dir, target+".json")
}

// read loads and parses one breaker file. ok=false with a nil error
// means the file does not exist. An expired breaker is deleted and
// reported as ok=false (§7: "expires_at parses but has passed: delete
// file; continue").
func read(dir, target string, now time.Time) (*Breaker, bool, error) {
	path := pathFor(dir, target)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("breaker: reading %s: %w", path, err)
	}

	var b Breaker
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}

	if now.After(b.ExpiresAt) {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return &b, true, nil
}

// write atomically installs a breaker file (write temp + rename, §5
// "Compilation buffers: ... flush replaces the file atomically").
func write(dir string, b Breaker) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("breaker: creating %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("breaker: encoding: %w", err)
	}

	final := pathFor(dir, b.Target)
	tmp, err := os.CreateTemp(dir, ".breaker-*.tmp")
	if err != nil {
		return fmt.Errorf("breaker: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("breaker: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("breaker: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("breaker: installing %s: %w", final, err)
	}
	return nil
}

// Active checks whether a breaker blocks senderPrefix: either the
// global breaker or one targeting senderPrefix specifically (§4.5
// step 1, §4.1 pre-gate). Invalid JSON files are treated as "no
// breaker" and reported via the returned error so the caller can log
// without blocking traffic on a file it cannot safely repair.
func Active(dir, senderPrefix string, now time.Time) (*Breaker, error) {
	var warnings []error

	if b, ok, err := read(dir, "global", now); err != nil {
		warnings = append(warnings, err)
	} else if ok {
		return b, nil
	}

	if senderPrefix != "" {
		if b, ok, err := read(dir, senderPrefix, now); err != nil {
			warnings = append(warnings, err)
		} else if ok {
			return b, nil
		}
	}

	if len(warnings) > 0 {
		return nil, errors.Join(warnings...)
	}
	return nil, nil
}

// Trip writes (or refreshes) a breaker file for target. If an
// unexpired breaker already exists for target, its trip_count is
// incremented; otherwise a fresh breaker is created with trip_count=1
// (§8 end-to-end scenario 4).
func Trip(dir, target, breakerType, reason string, autoExpireSeconds int, now time.Time) (*Breaker, error) {
	if !nodeid.ValidTarget(target) {
		return nil, fmt.Errorf("breaker: invalid target %q", target)
	}

	tripCount := 1
	if existing, ok, err := read(dir, target, now); err == nil && ok {
		tripCount = existing.TripCount + 1
	}

	b := Breaker{
		Type:              breakerType,
		Target:            target,
		Reason:            reason,
		TrippedAt:         now,
		TripCount:         tripCount,
		AutoExpireSeconds: autoExpireSeconds,
		ExpiresAt:         now.Add(time.Duration(autoExpireSeconds) * time.Second),
	}
	if err := write(dir, b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Prune deletes every breaker file under dir whose expires_at has
// passed (§3 Lifecycle: "destroyed on expiry tick").
func Prune(dir string, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("breaker: reading %s: %w", dir, err)
	}

	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		target := entry.Name()[:len(entry.Name())-len(".json")]
		if !nodeid.ValidTarget(target) {
			continue
		}
		if _, ok, err := read(dir, target, now); err == nil && !ok {
			pruned++
		}
	}
	return pruned, nil
}

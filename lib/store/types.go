// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "time"

// SystemSessionID is the reserved context-table session id used for
// process-wide flags that aren't tied to a mail session: the
// knock-pattern alert dedup flag (lib/breaker) and cooldown markers
// set by the set_flag action step (lib/action).
const SystemSessionID = "__thrall_system__"

// EvalType classifies how a journal row's evaluate stage was decided.
type EvalType string

const (
	EvalLLM     EvalType = "llm"
	EvalHotwire EvalType = "hotwire"
	EvalCache   EvalType = "cache"
	EvalBypass  EvalType = "bypass"
	EvalSkip    EvalType = "skip"
	EvalError   EvalType = "error"
)

// Mode mirrors a recipe's declared execution mode.
type Mode string

const (
	ModeManual     Mode = "manual"
	ModeSupervised Mode = "supervised"
	ModeAutomated  Mode = "automated"
)

// Reviewed values for a journal row.
const (
	ReviewedRejected = -1
	ReviewedPending  = 0
	ReviewedApproved = 1
)

// JournalRow is one append-only record of a pipeline execution, per
// spec.md §3. SenderPrefix (not the raw from_node) is the only
// sender-derived value used as a query key — it is validated by
// lib/nodeid before ever reaching the store.
type JournalRow struct {
	ID              string
	TS              time.Time
	Pipeline        string
	SessionID       string
	SenderPrefix    string
	EnvelopeJSON    string
	FilterJSON      string
	EvalType        EvalType
	EvalResultJSON  string
	ActionName      string
	ActionTraceJSON string
	WallMS          int64
	Mode            Mode
	Reviewed        int
	CorrectionJSON  string
	TTLExpires      time.Time
}

// ContextRow is a single (session_id, key) value with expiry, per §3.
type ContextRow struct {
	SessionID string
	Key       string
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means "never expires"
}

// Prompt is a stored prompt template record, per §3.
type Prompt struct {
	Name      string
	Version   int
	Content   string
	ModelRef  string
	Hash      string
	Active    bool
	PushedBy  string
	UpdatedAt time.Time
}

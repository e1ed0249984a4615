// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the immutable record carried through the
// pipeline for a single trigger event, and its exposure under the
// "envelope" template namespace.
package envelope

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/thrall-guard/thrall/lib/nodeid"
	"github.com/thrall-guard/thrall/lib/template"
)

// Kind identifies which trigger produced the envelope.
type Kind string

const (
	OnMail Kind = "on_mail"
	OnTick Kind = "on_tick"
)

// Envelope is immutable after construction — no field is mutated once
// a trigger hands it to the pipeline. Fields not relevant to Kind are
// left at their zero value.
type Envelope struct {
	Kind Kind

	// on_mail fields.
	FromNode  string
	ToNode    string
	MsgType   string
	BodyText  string
	BodyJSON  json.RawMessage
	SessionID string // empty means no session
	MessageID string // empty means none assigned

	// on_tick fields.
	Tick      int64
	PeerCount int
	UptimeSec int64

	// ReceivedAt is the wall-clock time the envelope entered the
	// pipeline engine; wall_ms in the journal row is measured from here.
	ReceivedAt time.Time
}

// SenderPrefix returns the validated 16-hex prefix of FromNode. Ok is
// false for on_tick envelopes (no sender) or when FromNode fails
// validation — per spec, an invalid sender is dropped before any
// component treats it as a key.
func (e Envelope) SenderPrefix() (string, bool) {
	if e.Kind != OnMail {
		return "", false
	}
	return nodeid.Prefix(e.FromNode)
}

// HasSession reports whether the envelope carries a real (non-empty)
// session id.
func (e Envelope) HasSession() bool {
	return e.SessionID != ""
}

// Field resolves a single "envelope.<key>" template reference. Returns
// ok=false for an unknown key (caller records a trace diagnostic and
// substitutes the empty string, per §4.4).
func (e Envelope) Field(key string) (string, bool) {
	switch key {
	case "from_node":
		return e.FromNode, true
	case "to_node":
		return e.ToNode, true
	case "msg_type":
		return e.MsgType, true
	case "body_text":
		return e.BodyText, true
	case "body_json":
		return string(e.BodyJSON), true
	case "session_id":
		return e.SessionID, true
	case "message_id":
		return e.MessageID, true
	case "tick":
		return strconv.FormatInt(e.Tick, 10), true
	case "peer_count":
		return strconv.Itoa(e.PeerCount), true
	case "uptime_s":
		return strconv.FormatInt(e.UptimeSec, 10), true
	default:
		return "", false
	}
}

// templateSource adapts Envelope to template.Source for the "envelope"
// namespace.
type templateSource struct{ envelope Envelope }

func (s templateSource) Lookup(key string) (string, bool) { return s.envelope.Field(key) }

// Source returns a template.Source exposing this envelope under the
// "envelope" namespace.
func (e Envelope) Source() template.Source { return templateSource{envelope: e} }


// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package action implements the Action Executor (spec.md §4.7): the
// ordered step runner for a recipe's named action, covering every step
// type log/drop/compile/summon/wake/reply/act/set_context/
// clear_context/set_flag/trigger.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/thrall-guard/thrall/lib/envelope"
	"github.com/thrall-guard/thrall/lib/eventlog"
	"github.com/thrall-guard/thrall/lib/filter"
	"github.com/thrall-guard/thrall/lib/recipe"
	"github.com/thrall-guard/thrall/lib/store"
	"github.com/thrall-guard/thrall/lib/template"
)

// maxRecursionDepth bounds the trigger step's pipeline re-entry (§4.7
// "recursion bounded to depth 3").
const maxRecursionDepth = 3

// Mailer sends a mail envelope to another node (or this node, for
// summon/wake). Implemented by the host plugin framework's mail send
// primitive.
type Mailer interface {
	SendMail(ctx context.Context, toNode, msgType, body string) error
}

// SkillCaller invokes a named skill through the cockpit HTTP contract
// (§6 "Cockpit call").
type SkillCaller interface {
	CallSkill(ctx context.Context, skill string, input map[string]string) (status int, body string, err error)
}

// TriggerFunc re-enters the pipeline engine with a synthetic envelope.
// Passed in rather than imported directly — lib/pipeline depends on
// lib/action, so the reverse dependency is expressed as a callback
// (§9 "cyclic references via callback, not mutual pointers").
type TriggerFunc func(ctx context.Context, synthetic envelope.Envelope) error

// compileBuffer accumulates envelope bodies for one named compilation
// buffer until a flush threshold fires (§4.7 "compile").
type compileBuffer struct {
	entries              []string
	firstAt              time.Time
	flushIntervalSeconds int
}

// Executor runs a recipe action's step list against one triggering
// envelope.
type Executor struct {
	ownNodeID string
	mailer    Mailer
	skills    SkillCaller
	store     *store.Store
	log       *eventlog.Writer
	trigger   TriggerFunc

	mu      sync.Mutex
	buffers map[string]*compileBuffer
}

// New builds an Executor. trigger may be nil if the caller never wires
// up trigger steps (they will fail with an error at execution time).
func New(ownNodeID string, mailer Mailer, skills SkillCaller, st *store.Store, log *eventlog.Writer, trigger TriggerFunc) *Executor {
	return &Executor{
		ownNodeID: ownNodeID,
		mailer:    mailer,
		skills:    skills,
		store:     st,
		log:       log,
		trigger:   trigger,
		buffers:   make(map[string]*compileBuffer),
	}
}

// Input carries the per-call context an Executor needs to resolve and
// run one action's steps.
type Input struct {
	Envelope envelope.Envelope
	Resolver *template.Resolver
	Mode     string // recipe.Recipe.Mode
	Depth    int    // current trigger-recursion depth
}

// StepResult is one step's trace entry (§4.1 "full trace").
type StepResult struct {
	Type         string
	WouldExecute bool
	Detail       string
	Error        string
}

// Execute runs steps in order. In manual mode no step has an external
// effect; every step is recorded as would_execute instead (§4.1). In
// supervised/automated mode, a step error aborts the remaining steps;
// Execute returns the first such error alongside the partial trace.
func (e *Executor) Execute(ctx context.Context, steps []recipe.ActionStep, in Input) ([]StepResult, error) {
	resolve := func(s string) string {
		if s == "" || in.Resolver == nil {
			return s
		}
		out, _ := in.Resolver.Expand(s)
		return out
	}

	var results []StepResult
	for _, step := range steps {
		if in.Mode == string(store.ModeManual) {
			results = append(results, StepResult{
				Type:         step.Type,
				WouldExecute: true,
				Detail:       describeStep(step, resolve),
			})
			if step.Type == "drop" {
				break
			}
			continue
		}

		detail, err := e.runStep(ctx, step, in, resolve)
		result := StepResult{Type: step.Type, Detail: detail}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)

		if err != nil {
			return results, err
		}
		if step.Type == "drop" {
			break
		}
	}
	return results, nil
}

func describeStep(step recipe.ActionStep, resolve func(string) string) string {
	switch step.Type {
	case "log":
		return resolve(step.Message)
	case "summon", "wake", "reply":
		return resolve(step.Template)
	case "act":
		return fmt.Sprintf("skill=%s", step.Skill)
	case "set_context", "set_flag":
		return fmt.Sprintf("%s=%s", step.Key, resolve(step.Value))
	case "clear_context":
		return step.Key
	case "trigger":
		return fmt.Sprintf("synthetic_envelope=%v", step.SyntheticEnvelope)
	default:
		return ""
	}
}

func (e *Executor) runStep(ctx context.Context, step recipe.ActionStep, in Input, resolve func(string) string) (string, error) {
	switch step.Type {
	case "log":
		msg := resolve(step.Message)
		senderPrefix, _ := in.Envelope.SenderPrefix()
		if err := e.log.Append(time.Now(), "log", senderPrefix, msg); err != nil {
			return msg, fmt.Errorf("action: log step: %w", err)
		}
		return msg, nil

	case "drop":
		return "", nil

	case "compile":
		return step.Buffer, e.appendCompile(ctx, step.Buffer, in.Envelope.BodyText, step.SummonThreshold, step.SummonKeywords, step.FlushIntervalSeconds)

	case "summon", "wake":
		body := resolve(step.Template)
		if body == "" {
			body = fmt.Sprintf("from=%s msg_type=%s body=%s", in.Envelope.FromNode, in.Envelope.MsgType, in.Envelope.BodyText)
		}
		msgType := step.MsgType
		if msgType == "" {
			msgType = "thrall.summon"
		}
		if err := e.mailer.SendMail(ctx, e.ownNodeID, msgType, body); err != nil {
			return body, fmt.Errorf("action: %s step: %w", step.Type, err)
		}
		return body, nil

	case "reply":
		body := resolve(step.Template)
		if err := e.mailer.SendMail(ctx, in.Envelope.FromNode, step.MsgType, body); err != nil {
			return body, fmt.Errorf("action: reply step: %w", err)
		}
		return body, nil

	case "act":
		input := make(map[string]string, len(step.Input))
		for k, v := range step.Input {
			input[k] = resolve(v)
		}
		status, respBody, err := e.skills.CallSkill(ctx, step.Skill, input)
		detail := fmt.Sprintf("skill=%s status=%d", step.Skill, status)
		if err == nil && (status < 200 || status >= 300) {
			err = fmt.Errorf("action: skill %s returned status %d", step.Skill, status)
		}
		if err != nil && step.ErrorBuffer != "" {
			_ = e.appendCompile(ctx, step.ErrorBuffer, respBody, 0, nil, 0)
		}
		if err != nil {
			return detail, err
		}
		return detail, nil

	case "set_context":
		expiresAt := expiryFrom(step.ExpiresInSeconds)
		value := resolve(step.Value)
		if err := e.store.SetContext(ctx, in.Envelope.SessionID, step.Key, value, expiresAt); err != nil {
			return step.Key, fmt.Errorf("action: set_context step: %w", err)
		}
		return fmt.Sprintf("%s=%s", step.Key, value), nil

	case "clear_context":
		if err := e.store.ClearContext(ctx, in.Envelope.SessionID, step.Key); err != nil {
			return step.Key, fmt.Errorf("action: clear_context step: %w", err)
		}
		return step.Key, nil

	case "set_flag":
		expiresAt := expiryFrom(step.ExpiresInSeconds)
		value := resolve(step.Value)
		if err := e.store.SetContext(ctx, store.SystemSessionID, filter.CooldownContextKey(step.Key), value, expiresAt); err != nil {
			return step.Key, fmt.Errorf("action: set_flag step: %w", err)
		}
		return fmt.Sprintf("%s=%s", step.Key, value), nil

	case "trigger":
		if e.trigger == nil {
			return "", errors.New("action: trigger step: no trigger function configured")
		}
		if in.Depth >= maxRecursionDepth {
			return "", fmt.Errorf("action: trigger step: recursion depth %d at bound %d", in.Depth, maxRecursionDepth)
		}
		synthetic := buildSyntheticEnvelope(step.SyntheticEnvelope, in.Envelope, resolve)
		if err := e.trigger(ctx, synthetic); err != nil {
			return "", fmt.Errorf("action: trigger step: %w", err)
		}
		return "triggered", nil

	default:
		return "", fmt.Errorf("action: unknown step type %q", step.Type)
	}
}

func expiryFrom(expiresInSeconds int) time.Time {
	if expiresInSeconds <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(expiresInSeconds) * time.Second)
}

func buildSyntheticEnvelope(fields map[string]string, parent envelope.Envelope, resolve func(string) string) envelope.Envelope {
	get := func(key, fallback string) string {
		if v, ok := fields[key]; ok {
			return resolve(v)
		}
		return fallback
	}
	return envelope.Envelope{
		Kind:       envelope.OnMail,
		FromNode:   get("from_node", parent.FromNode),
		ToNode:     get("to_node", parent.ToNode),
		MsgType:    get("msg_type", parent.MsgType),
		BodyText:   get("body_text", parent.BodyText),
		SessionID:  get("session_id", parent.SessionID),
		ReceivedAt: time.Now(),
	}
}

// appendCompile appends body to the named buffer and flushes it
// immediately if the size or keyword threshold is met (§4.7 "compile").
// Time-based flushing is driven separately by FlushDue on tick.
func (e *Executor) appendCompile(ctx context.Context, name, body string, summonThreshold int, summonKeywords []string, flushIntervalSeconds int) error {
	e.mu.Lock()
	buf, ok := e.buffers[name]
	if !ok {
		buf = &compileBuffer{firstAt: time.Now()}
		e.buffers[name] = buf
	}
	if flushIntervalSeconds > 0 {
		buf.flushIntervalSeconds = flushIntervalSeconds
	}
	buf.entries = append(buf.entries, body)

	shouldFlush := summonThreshold > 0 && len(buf.entries) >= summonThreshold
	if !shouldFlush {
		lower := strings.ToLower(body)
		for _, kw := range summonKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				shouldFlush = true
				break
			}
		}
	}

	var toFlush []string
	if shouldFlush {
		toFlush = buf.entries
		delete(e.buffers, name)
	}
	e.mu.Unlock()

	if !shouldFlush {
		return nil
	}
	return e.mailer.SendMail(ctx, e.ownNodeID, "thrall.compile_flush", strings.Join(toFlush, "\n---\n"))
}

// FlushDue flushes every compilation buffer whose flush interval has
// elapsed since its first entry (§4.7's time-based flush), intended to
// be called once per on_tick.
func (e *Executor) FlushDue(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	flushed := make(map[string][]string)
	for name, buf := range e.buffers {
		if buf.flushIntervalSeconds > 0 && now.Sub(buf.firstAt) >= time.Duration(buf.flushIntervalSeconds)*time.Second {
			flushed[name] = buf.entries
			delete(e.buffers, name)
		}
	}
	e.mu.Unlock()

	var errs []error
	for name, entries := range flushed {
		if err := e.mailer.SendMail(ctx, e.ownNodeID, "thrall.compile_flush", strings.Join(entries, "\n---\n")); err != nil {
			errs = append(errs, fmt.Errorf("action: flushing buffer %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

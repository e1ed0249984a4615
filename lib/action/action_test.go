// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thrall-guard/thrall/lib/envelope"
	"github.com/thrall-guard/thrall/lib/eventlog"
	"github.com/thrall-guard/thrall/lib/filter"
	"github.com/thrall-guard/thrall/lib/recipe"
	"github.com/thrall-guard/thrall/lib/store"
	"github.com/thrall-guard/thrall/lib/template"
)

type fakeMailer struct {
	mu    sync.Mutex
	sends []sentMail
	err   error
}

type sentMail struct {
	to, msgType, body string
}

func (m *fakeMailer) SendMail(ctx context.Context, toNode, msgType, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sends = append(m.sends, sentMail{to: toNode, msgType: msgType, body: body})
	return nil
}

type fakeSkillCaller struct {
	status int
	body   string
	err    error
	calls  []map[string]string
}

func (s *fakeSkillCaller) CallSkill(ctx context.Context, skill string, input map[string]string) (int, string, error) {
	s.calls = append(s.calls, input)
	return s.status, s.body, s.err
}

func testExecutor(t *testing.T, mailer *fakeMailer, skills *fakeSkillCaller) (*Executor, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	logPath := filepath.Join(t.TempDir(), "thrall.log")
	w, err := eventlog.Open(logPath)
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return New("ownnode0000000000", mailer, skills, s, w, nil), s
}

func baseInput(mode string) Input {
	env := envelope.Envelope{
		Kind:     envelope.OnMail,
		FromNode: "abc0123456789abc0000000000000000",
		MsgType:  "chat",
		BodyText: "hello world",
	}
	resolver := template.New().Register("envelope", env.Source())
	return Input{Envelope: env, Resolver: resolver, Mode: mode}
}

func TestExecuteLogStep(t *testing.T) {
	t.Parallel()
	e, _ := testExecutor(t, &fakeMailer{}, &fakeSkillCaller{})
	steps := []recipe.ActionStep{{Type: "log", Message: "saw {{envelope.body_text}}"}}

	results, err := e.Execute(context.Background(), steps, baseInput("automated"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 1 || results[0].Detail != "saw hello world" {
		t.Errorf("results = %+v, want resolved log message", results)
	}
}

func TestExecuteManualModeHasNoSideEffects(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{}
	e, _ := testExecutor(t, mailer, &fakeSkillCaller{})
	steps := []recipe.ActionStep{
		{Type: "reply", Template: "reply to {{envelope.from_node}}"},
	}

	results, err := e.Execute(context.Background(), steps, baseInput("manual"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 1 || !results[0].WouldExecute {
		t.Fatalf("results = %+v, want a would_execute trace entry", results)
	}
	if len(mailer.sends) != 0 {
		t.Errorf("manual mode sent mail: %+v, want none", mailer.sends)
	}
}

func TestExecuteReplySendsToFromNode(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{}
	e, _ := testExecutor(t, mailer, &fakeSkillCaller{})
	steps := []recipe.ActionStep{{Type: "reply", MsgType: "chat", Template: "hi {{envelope.from_node}}"}}

	if _, err := e.Execute(context.Background(), steps, baseInput("automated")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(mailer.sends) != 1 || mailer.sends[0].to != "abc0123456789abc0000000000000000" {
		t.Fatalf("sends = %+v, want one reply to the sender", mailer.sends)
	}
}

func TestExecuteDropStopsRemainingSteps(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{}
	e, _ := testExecutor(t, mailer, &fakeSkillCaller{})
	steps := []recipe.ActionStep{
		{Type: "drop"},
		{Type: "reply", Template: "should not send"},
	}

	results, err := e.Execute(context.Background(), steps, baseInput("automated"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v, want only the drop step to run", results)
	}
	if len(mailer.sends) != 0 {
		t.Errorf("expected no mail after drop, got %+v", mailer.sends)
	}
}

func TestExecuteStepFailureAbortsRemaining(t *testing.T) {
	t.Parallel()
	skills := &fakeSkillCaller{status: 500}
	mailer := &fakeMailer{}
	e, _ := testExecutor(t, mailer, skills)
	steps := []recipe.ActionStep{
		{Type: "act", Skill: "lookup"},
		{Type: "reply", Template: "should not send"},
	}

	results, err := e.Execute(context.Background(), steps, baseInput("automated"))
	if err == nil {
		t.Fatalf("expected an error from the failing act step")
	}
	if len(results) != 1 || results[0].Error == "" {
		t.Fatalf("results = %+v, want one failed step", results)
	}
	if len(mailer.sends) != 0 {
		t.Errorf("expected the reply step to be aborted, got %+v", mailer.sends)
	}
}

func TestExecuteActStepErrorBuffer(t *testing.T) {
	t.Parallel()
	skills := &fakeSkillCaller{status: 500, body: "boom"}
	mailer := &fakeMailer{}
	e, _ := testExecutor(t, mailer, skills)
	steps := []recipe.ActionStep{{Type: "act", Skill: "lookup", ErrorBuffer: "errors"}}

	if _, err := e.Execute(context.Background(), steps, baseInput("automated")); err == nil {
		t.Fatalf("expected an error")
	}
	if len(mailer.sends) != 0 {
		t.Errorf("error buffer should not flush on a single append, got %+v", mailer.sends)
	}
}

func TestExecuteSetContextAndClearContext(t *testing.T) {
	t.Parallel()
	e, s := testExecutor(t, &fakeMailer{}, &fakeSkillCaller{})
	ctx := context.Background()
	in := baseInput("automated")
	in.Envelope.SessionID = "sess-1"

	steps := []recipe.ActionStep{{Type: "set_context", Key: "last_topic", Value: "billing"}}
	if _, err := e.Execute(ctx, steps, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	value, ok, err := s.GetContextValue(ctx, "sess-1", "last_topic")
	if err != nil || !ok || value != "billing" {
		t.Fatalf("GetContextValue = (%q, %v, %v), want (billing, true, nil)", value, ok, err)
	}

	steps = []recipe.ActionStep{{Type: "clear_context", Key: "last_topic"}}
	if _, err := e.Execute(ctx, steps, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_, ok, err = s.GetContextValue(ctx, "sess-1", "last_topic")
	if err != nil || ok {
		t.Fatalf("expected last_topic to be cleared")
	}
}

func TestExecuteSetFlagWritesCooldownUnderSystemSession(t *testing.T) {
	t.Parallel()
	e, s := testExecutor(t, &fakeMailer{}, &fakeSkillCaller{})
	ctx := context.Background()

	steps := []recipe.ActionStep{{Type: "set_flag", Key: "greeting", Value: "1", ExpiresInSeconds: 3600}}
	if _, err := e.Execute(ctx, steps, baseInput("automated")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	_, ok, err := s.GetContextValue(ctx, store.SystemSessionID, filter.CooldownContextKey("greeting"))
	if err != nil || !ok {
		t.Fatalf("expected a cooldown flag under the system session, ok=%v err=%v", ok, err)
	}
}

func TestExecuteTriggerRespectsRecursionDepth(t *testing.T) {
	t.Parallel()
	var triggered []envelope.Envelope
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	w, err := eventlog.Open(filepath.Join(t.TempDir(), "thrall.log"))
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	e := New("ownnode0000000000", &fakeMailer{}, &fakeSkillCaller{}, s, w, func(ctx context.Context, env envelope.Envelope) error {
		triggered = append(triggered, env)
		return nil
	})

	steps := []recipe.ActionStep{{Type: "trigger", SyntheticEnvelope: map[string]string{"body_text": "escalated"}}}
	in := baseInput("automated")
	in.Depth = maxRecursionDepth
	if _, err := e.Execute(context.Background(), steps, in); err == nil {
		t.Fatalf("expected trigger at the recursion bound to fail")
	}
	if len(triggered) != 0 {
		t.Errorf("expected no trigger call at depth %d", maxRecursionDepth)
	}

	in.Depth = 0
	if _, err := e.Execute(context.Background(), steps, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(triggered) != 1 || triggered[0].BodyText != "escalated" {
		t.Fatalf("triggered = %+v, want one synthetic envelope", triggered)
	}
}

func TestAppendCompileFlushesOnSizeThreshold(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{}
	e, _ := testExecutor(t, mailer, &fakeSkillCaller{})
	ctx := context.Background()
	in := baseInput("automated")

	steps := []recipe.ActionStep{{Type: "compile", Buffer: "digest", SummonThreshold: 2}}
	if _, err := e.Execute(ctx, steps, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(mailer.sends) != 0 {
		t.Fatalf("expected no flush after the first entry, got %+v", mailer.sends)
	}
	if _, err := e.Execute(ctx, steps, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(mailer.sends) != 1 {
		t.Fatalf("expected a flush on the 2nd entry (threshold=2), got %+v", mailer.sends)
	}
}

func TestAppendCompileFlushesOnKeyword(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{}
	e, _ := testExecutor(t, mailer, &fakeSkillCaller{})
	ctx := context.Background()
	in := baseInput("automated")
	in.Envelope.BodyText = "this is urgent please help"

	steps := []recipe.ActionStep{{Type: "compile", Buffer: "digest", SummonKeywords: []string{"urgent"}}}
	if _, err := e.Execute(ctx, steps, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(mailer.sends) != 1 {
		t.Fatalf("expected an immediate keyword-triggered flush, got %+v", mailer.sends)
	}
	if !strings.Contains(mailer.sends[0].body, "urgent") {
		t.Errorf("flush body = %q, want it to contain the buffered entry", mailer.sends[0].body)
	}
}

func TestFlushDueFlushesOnElapsedInterval(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{}
	e, _ := testExecutor(t, mailer, &fakeSkillCaller{})
	ctx := context.Background()
	in := baseInput("automated")

	steps := []recipe.ActionStep{{Type: "compile", Buffer: "digest", FlushIntervalSeconds: 60}}
	if _, err := e.Execute(ctx, steps, in); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := e.FlushDue(ctx, time.Now().Add(59*time.Second)); err != nil {
		t.Fatalf("FlushDue: %v", err)
	}
	if len(mailer.sends) != 0 {
		t.Fatalf("expected no flush before the interval elapses, got %+v", mailer.sends)
	}
	if err := e.FlushDue(ctx, time.Now().Add(61*time.Second)); err != nil {
		t.Fatalf("FlushDue: %v", err)
	}
	if len(mailer.sends) != 1 {
		t.Fatalf("expected a flush once the interval elapses, got %+v", mailer.sends)
	}
}

func TestMailerErrorPropagates(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{err: errors.New("network down")}
	e, _ := testExecutor(t, mailer, &fakeSkillCaller{})
	steps := []recipe.ActionStep{{Type: "reply", Template: "hi"}}

	if _, err := e.Execute(context.Background(), steps, baseInput("automated")); err == nil {
		t.Fatalf("expected the mailer error to propagate")
	}
}

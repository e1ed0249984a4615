// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the Pipeline Engine (spec.md §4.1): the
// TRIGGER -> FILTER -> EVALUATE -> ACTION state machine that runs every
// enabled recipe against one envelope, in lexical filename order, and
// persists exactly one journal row per recipe run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/thrall-guard/thrall/lib/action"
	"github.com/thrall-guard/thrall/lib/breaker"
	"github.com/thrall-guard/thrall/lib/envelope"
	"github.com/thrall-guard/thrall/lib/eventlog"
	"github.com/thrall-guard/thrall/lib/filter"
	"github.com/thrall-guard/thrall/lib/hotwire"
	"github.com/thrall-guard/thrall/lib/llmeval"
	"github.com/thrall-guard/thrall/lib/recipe"
	"github.com/thrall-guard/thrall/lib/store"
	"github.com/thrall-guard/thrall/lib/template"
	"github.com/thrall-guard/thrall/lib/trust"
)

// defaultInferenceTimeout bounds one classify call once it holds the
// inference permit; distinct from the queue_timeout that bounds the
// wait for the permit itself (§4.6).
const defaultInferenceTimeout = 30 * time.Second

// Config wires an Engine to the components it orchestrates. All fields
// are required except Logger.
type Config struct {
	OwnNodeID  string
	PluginDir  string
	BreakerDir string

	Loader   *recipe.Loader
	Store    *store.Store
	Filter   *filter.Filter
	Guard    *breaker.Guard
	Mailer   action.Mailer
	Skills   action.SkillCaller
	EventLog *eventlog.Writer
	Logger   *slog.Logger
}

// Engine runs recipes against envelopes. Exactly one Engine exists per
// process; it owns the lazily-loaded per-model LLM Evaluators and the
// process-wide inference gate.
type Engine struct {
	ownNodeID  string
	pluginDir  string
	breakerDir string

	loader *recipe.Loader
	store  *store.Store
	filter *filter.Filter
	guard  *breaker.Guard
	mailer action.Mailer
	action *action.Executor
	log    *eventlog.Writer
	logger *slog.Logger

	hotwireMu sync.RWMutex
	hotwires  map[string]*hotwire.RuleSet

	// evaluators caches one Evaluator per named model (§9 "module-level
	// singletons", generalized to the recipe/model TOML surface: a
	// recipe.EvaluateConfig.Model names one of possibly several
	// configured models, but spec.md §4.6 describes "the model" as a
	// single process-wide singleton). evalGate is the actual
	// process-wide 1-permit gate enforcing "only one LLM inference runs
	// concurrently per process" across every named model; each
	// Evaluator's own internal semaphore additionally serializes calls
	// against that one model, which is redundant once evalGate is held
	// but keeps llmeval.Evaluator correct in isolation (see its own
	// tests and DESIGN.md).
	evalMu     sync.Mutex
	evaluators map[string]*llmeval.Evaluator
	evalGate   *semaphore.Weighted

	pruneMu   sync.Mutex
	lastPrune time.Time

	// shuttingDown and inflight implement §5's shutdown contract ("stops
	// accepting new envelopes, waits for in-flight pipelines to reach a
	// journal write"), grounded on the original guard's own
	// _shutting_down flag + _inflight counter (guard/knarr-thrall/
	// handler.py on_shutdown). dispatch increments inflight for the
	// whole Filter->Evaluate->Action->journal run of one envelope across
	// every matching recipe and checks shuttingDown before doing any
	// work, so a trigger step's re-entrant dispatch call is counted too.
	shuttingDown atomic.Bool
	inflight     atomic.Int64
}

// shutdownDrainInterval and shutdownDrainTimeout bound Shutdown's poll
// loop. 150 polls of 100ms is the original's own 15-second drain wait
// (handler.py on_shutdown: "for _ in range(150): ... await
// asyncio.sleep(0.1)").
const (
	shutdownDrainInterval = 100 * time.Millisecond
	shutdownDrainTimeout  = 15 * time.Second
)

// New builds an Engine and performs the initial hotwire rule-set load.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	hotwires, err := hotwire.LoadAll(filepath.Join(cfg.PluginDir, "hotwires"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: loading hotwires: %w", err)
	}

	e := &Engine{
		ownNodeID:  cfg.OwnNodeID,
		pluginDir:  cfg.PluginDir,
		breakerDir: cfg.BreakerDir,
		loader:     cfg.Loader,
		store:      cfg.Store,
		filter:     cfg.Filter,
		guard:      cfg.Guard,
		mailer:     cfg.Mailer,
		log:        cfg.EventLog,
		logger:     cfg.Logger,
		hotwires:   hotwires,
		evaluators: make(map[string]*llmeval.Evaluator),
		evalGate:   semaphore.NewWeighted(1),
	}
	e.action = action.New(cfg.OwnNodeID, cfg.Mailer, cfg.Skills, cfg.Store, cfg.EventLog, e.triggerFunc)
	return e, nil
}

// Reload re-reads recipes/prompts/models/plugin.toml and the hotwire
// rule directory. Each half keeps its previous state on its own failure
// (§4.3 "refuse to install new registry; keep previous"); the combined
// error, if any, is returned for the caller to log.
func (e *Engine) Reload() error {
	recipeErr := e.loader.Reload()

	hotwires, hwErr := hotwire.LoadAll(filepath.Join(e.pluginDir, "hotwires"))
	if hwErr != nil {
		e.logger.Error("hotwire reload rejected", "plugin_dir", e.pluginDir, "error", hwErr)
	} else {
		e.hotwireMu.Lock()
		e.hotwires = hotwires
		e.hotwireMu.Unlock()
	}

	if recipeErr != nil || hwErr != nil {
		return errors.Join(recipeErr, hwErr)
	}
	return nil
}

func (e *Engine) hotwireSet(name string) (*hotwire.RuleSet, bool) {
	e.hotwireMu.RLock()
	defer e.hotwireMu.RUnlock()
	rs, ok := e.hotwires[name]
	return rs, ok
}

// activePrompt resolves a prompt by name, preferring a prompt pushed
// through the prompt-load admin skill (§4.9 "the running engine
// reloads its active prompt reference") over the file-backed
// prompts/*.toml descriptor. Reading the store directly on every call
// rather than caching keeps a freshly-pushed prompt visible to the
// very next envelope, with no separate reload signal needed between
// the admin skill and the engine.
func (e *Engine) activePrompt(ctx context.Context, reg *recipe.Registry, name string) (*recipe.PromptDescriptor, bool) {
	if p, ok, err := e.store.GetPrompt(ctx, name); err == nil && ok && p.Active {
		return &recipe.PromptDescriptor{Name: p.Name, Version: p.Version, Content: p.Content, ModelRef: p.ModelRef}, true
	}
	return reg.ActivePrompt(name)
}

// depthKey carries the current trigger-recursion depth across a
// trigger step's re-entrant Dispatch call (§4.7 "recursion bounded to
// depth 3"). Kept out of Envelope/Input since it is plumbing for the
// trigger step alone, not a value any recipe template ever resolves.
type depthKey struct{}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

func depthFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(depthKey{}).(int); ok {
		return v
	}
	return 0
}

// triggerFunc re-enters the engine for a synthetic envelope produced by
// a "trigger" action step. Passed to action.New as its TriggerFunc;
// kept as a method rather than an import so lib/action never needs to
// import lib/pipeline (§9 "cyclic references via callback, not mutual
// pointers").
func (e *Engine) triggerFunc(ctx context.Context, synthetic envelope.Envelope) error {
	e.dispatch(ctx, synthetic, depthFromContext(ctx)+1)
	return nil
}

// OnMail is the host's on_mail_received entry point.
func (e *Engine) OnMail(ctx context.Context, env envelope.Envelope) {
	env.Kind = envelope.OnMail
	e.dispatch(ctx, env, 0)
}

// OnTick is the host's on_tick entry point. Beyond dispatching on_tick
// recipes, it drives the two other tick-scheduled duties the spec
// assigns this component: flushing compile buffers whose time interval
// elapsed (§4.7), and running the journal/context/breaker pruners at
// most once per prune_interval_seconds (§4.2, §3 Lifecycle).
func (e *Engine) OnTick(ctx context.Context, env envelope.Envelope) error {
	env.Kind = envelope.OnTick
	e.dispatch(ctx, env, 0)

	if err := e.action.FlushDue(ctx, env.ReceivedAt); err != nil {
		e.logger.Error("compile buffer flush failed", "error", err)
	}

	return e.pruneIfDue(ctx, env.ReceivedAt)
}

// Shutdown signals dispatch to reject new envelopes and waits up to
// shutdownDrainTimeout for pipelines already in flight to reach their
// journal write (§5, §7 "Shutdown during inference: await completion;
// write journal; then close"). The caller (Plugin.OnShutdown) closes
// the store and event log only after Shutdown returns, whether or not
// every pipeline drained in time — a still-running pipeline's eventual
// journal write will fail against a closed store and be logged there,
// the same as any other store-write failure (§7).
func (e *Engine) Shutdown(ctx context.Context) {
	e.shuttingDown.Store(true)

	deadline := time.Now().Add(shutdownDrainTimeout)
	for e.inflight.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(shutdownDrainInterval):
		}
	}
	if n := e.inflight.Load(); n > 0 {
		e.logger.Warn("shutdown drain timed out", "still_inflight", n, "timeout", shutdownDrainTimeout)
	}
}

func (e *Engine) pruneIfDue(ctx context.Context, now time.Time) error {
	interval := time.Duration(e.loader.Current().Config.PruneIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	e.pruneMu.Lock()
	due := now.Sub(e.lastPrune) >= interval
	if due {
		e.lastPrune = now
	}
	e.pruneMu.Unlock()
	if !due {
		return nil
	}

	var errs []error
	if _, err := e.store.PruneJournal(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: pruning journal: %w", err))
	}
	if _, err := e.store.PruneContext(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: pruning context: %w", err))
	}
	if _, err := breaker.Prune(e.breakerDir, now); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: pruning breakers: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// dispatch selects every enabled recipe matching env's trigger and runs
// them in lexical order, sequentially (§4.1 "tie-break / ordering").
// Rejects the envelope outright once Shutdown has been called (§5
// "stops accepting new envelopes"), and otherwise holds the inflight
// count open until every matching recipe has journaled.
func (e *Engine) dispatch(ctx context.Context, env envelope.Envelope, depth int) {
	if e.shuttingDown.Load() {
		return
	}
	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now()
	}
	reg := e.loader.Current()

	var senderPrefix string
	tier := trust.Unknown
	if env.Kind == envelope.OnMail {
		prefix, ok := env.SenderPrefix()
		if !ok {
			_ = e.log.Append(env.ReceivedAt, "invalid_sender", "-", fmt.Sprintf("from_node=%q rejected", env.FromNode))
			return
		}
		senderPrefix = prefix
		tier = trust.Tiers{Team: reg.Config.TrustTeam, Known: reg.Config.TrustKnown}.Resolve(env.FromNode)
	}

	ctx = withDepth(ctx, depth)
	for _, rec := range reg.EnabledRecipesForTrigger(string(env.Kind)) {
		if env.Kind == envelope.OnMail && !msgTypeMatches(rec.Trigger.MsgTypes, env.MsgType) {
			continue
		}
		e.runRecipe(ctx, reg, rec, env, tier, senderPrefix, depth)
	}
}

func msgTypeMatches(msgTypes []string, msgType string) bool {
	if len(msgTypes) == 0 {
		return true
	}
	for _, m := range msgTypes {
		if m == msgType {
			return true
		}
	}
	return false
}

// runRecipe runs Filter -> Evaluate -> Action for one recipe against
// env and persists exactly one journal row, whatever the outcome
// (§3 invariant). A panic in any stage is caught here, per §4.1
// "failure semantics", and journaled as an error row.
func (e *Engine) runRecipe(ctx context.Context, reg *recipe.Registry, rec *recipe.Recipe, env envelope.Envelope, tier trust.Tier, senderPrefix string, depth int) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recipe panic recovered", "recipe", rec.Name, "panic", r)
			row := store.JournalRow{
				ID:             uuid.NewString(),
				TS:             time.Now(),
				Pipeline:       rec.Name,
				SessionID:      env.SessionID,
				SenderPrefix:   senderPrefix,
				Mode:           store.Mode(rec.Mode),
				EvalType:       store.EvalError,
				EvalResultJSON: fmt.Sprintf(`{"error":%q}`, fmt.Sprint(r)),
				TTLExpires:     env.ReceivedAt.Add(classificationTTL(reg)),
			}
			e.persist(ctx, row, env)
		}
	}()

	row := store.JournalRow{
		ID:           uuid.NewString(),
		TS:           time.Now(),
		Pipeline:     rec.Name,
		SessionID:    env.SessionID,
		SenderPrefix: senderPrefix,
		Mode:         store.Mode(rec.Mode),
		TTLExpires:   env.ReceivedAt.Add(classificationTTL(reg)),
	}
	if encoded, err := json.Marshal(env); err == nil {
		row.EnvelopeJSON = string(encoded)
	}

	// Pre-gate (§4.1 step 1).
	if senderPrefix != "" {
		if b, err := breaker.Active(e.breakerDir, senderPrefix, env.ReceivedAt); err != nil {
			e.logger.Warn("breaker read warning", "recipe", rec.Name, "error", err)
		} else if b != nil {
			row.ActionName = "breaker_blocked"
			row.EvalType = store.EvalSkip
			e.persist(ctx, row, env)
			return
		}
	}

	var promptDescriptor *recipe.PromptDescriptor
	var promptHash string
	if rec.Evaluate.Type == "llm" {
		pd, ok := e.activePrompt(ctx, reg, rec.Evaluate.Prompt)
		if !ok {
			row.EvalType = store.EvalError
			row.EvalResultJSON = fmt.Sprintf(`{"error":"unknown prompt %q"}`, rec.Evaluate.Prompt)
			e.persist(ctx, row, env)
			return
		}
		promptDescriptor = pd
		promptHash = recipe.PromptHash(pd.Content)
	}

	decision, err := e.filter.Evaluate(ctx, rec.Name, env, tier, rec.Filter, promptHash, env.ReceivedAt)
	if err != nil {
		row.EvalType = store.EvalError
		row.EvalResultJSON = fmt.Sprintf(`{"error":%q}`, err.Error())
		e.persist(ctx, row, env)
		return
	}
	if decision.Warning != nil {
		e.logger.Warn("filter warning", "recipe", rec.Name, "error", decision.Warning)
	}
	if filterJSON, err := json.Marshal(struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	}{string(decision.Result), decision.Reason}); err == nil {
		row.FilterJSON = string(filterJSON)
	}

	resolver := template.New().
		Register("envelope", env.Source()).
		Register("context", template.MapSource(decision.Context)).
		Register("filter", template.MapSource(map[string]string{"tier": string(tier)})).
		Register("journal", e.store.JournalSource(ctx))

	var actionName, resultJSON string
	var llmFields map[string]string

	switch decision.Result {
	case filter.Drop:
		row.EvalType = store.EvalSkip
		actionName = "drop"
		resultJSON = fmt.Sprintf(`{"reason":%q}`, decision.Reason)

	case filter.Bypass:
		row.EvalType = store.EvalBypass
		actionName = decision.BypassAction
		resultJSON = fmt.Sprintf(`{"reason":%q}`, decision.Reason)

	case filter.Pass:
		if decision.FromCache {
			row.EvalType = store.EvalCache
			resultJSON = decision.CachedEvalResult
			actionName = actionFromResultJSON(resultJSON)
			break
		}

		outcome, err := e.runEvaluate(ctx, reg, rec, env, tier, resolver, promptDescriptor)
		if err != nil {
			row.EvalType = store.EvalError
			row.EvalResultJSON = fmt.Sprintf(`{"error":%q}`, err.Error())
			e.persist(ctx, row, env)
			return
		}
		row.EvalType = outcome.EvalType
		actionName = outcome.ActionName
		resultJSON = outcome.ResultJSON
		llmFields = outcome.LLMFields
		if rec.Filter.CacheTTLSeconds > 0 {
			e.filter.StoreCacheResult(rec.Name, promptHash, string(tier), env.BodyText, resultJSON, rec.Filter.CacheTTLSeconds, env.ReceivedAt)
		}

	default:
		row.EvalType = store.EvalError
		resultJSON = fmt.Sprintf(`{"error":"unknown filter result %q"}`, decision.Result)
	}

	row.EvalResultJSON = resultJSON
	row.ActionName = actionName
	resolver.Register("llm", template.MapSource(llmFields))

	steps := rec.Actions[actionName]
	input := action.Input{Envelope: env, Resolver: resolver, Mode: rec.Mode, Depth: depth}
	stepResults, actionErr := e.action.Execute(ctx, steps, input)
	if traceJSON, err := json.Marshal(stepResults); err == nil {
		row.ActionTraceJSON = string(traceJSON)
	}
	if actionErr != nil {
		e.logger.Error("action execution failed", "recipe", rec.Name, "action", actionName, "error", actionErr)
	}

	e.applyGuard(ctx, &row, rec, env, senderPrefix, stepResults)
	row.Reviewed = reviewedFor(rec.Mode)

	e.persist(ctx, row, env)
	e.checkKnock(ctx, row, senderPrefix, rec.Mode, env.ReceivedAt)
}

// ReplayResult is a dryrun's action plan (§8 "Dryrun — executing filter
// + evaluate stages and reporting the action plan without side
// effects"), resolved against live store state rather than a historical
// snapshot ((c) in the Open Question decisions: journal replay reads
// the envelope from a journal row but re-resolves context, breakers,
// and cache against the store as it stands now).
type ReplayResult struct {
	Pipeline        string
	FilterResult    string
	FilterReason    string
	EvalType        store.EvalType
	ActionName      string
	ResultJSON      string
	ActionTraceJSON string
}

// Replay re-runs Filter and Evaluate for the recipe named on a past
// journal row, against live context/breaker/cache state, and reports
// the plan the Action Executor would carry out — forcing the Action
// Executor's own manual mode regardless of the recipe's configured
// mode, so a replay never sends mail, calls a skill, or writes a
// context/flag row (§4.1's manual-mode no-side-effect contract, reused
// here rather than duplicated).
func (e *Engine) Replay(ctx context.Context, journalID string) (ReplayResult, error) {
	row, ok, err := e.store.GetJournalRow(ctx, journalID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("pipeline: replay: %w", err)
	}
	if !ok {
		return ReplayResult{}, fmt.Errorf("pipeline: replay: no journal row %q", journalID)
	}

	var env envelope.Envelope
	if err := json.Unmarshal([]byte(row.EnvelopeJSON), &env); err != nil {
		return ReplayResult{}, fmt.Errorf("pipeline: replay: decoding envelope: %w", err)
	}

	reg := e.loader.Current()
	rec := recipeByName(reg, row.Pipeline)
	if rec == nil {
		return ReplayResult{}, fmt.Errorf("pipeline: replay: recipe %q no longer exists", row.Pipeline)
	}

	tier := trust.Unknown
	if env.Kind == envelope.OnMail {
		if _, ok := env.SenderPrefix(); ok {
			tier = trust.Tiers{Team: reg.Config.TrustTeam, Known: reg.Config.TrustKnown}.Resolve(env.FromNode)
		}
	}

	var promptDescriptor *recipe.PromptDescriptor
	var promptHash string
	if rec.Evaluate.Type == "llm" {
		pd, ok := e.activePrompt(ctx, reg, rec.Evaluate.Prompt)
		if !ok {
			return ReplayResult{}, fmt.Errorf("pipeline: replay: unknown prompt %q", rec.Evaluate.Prompt)
		}
		promptDescriptor = pd
		promptHash = recipe.PromptHash(pd.Content)
	}

	decision, err := e.filter.Evaluate(ctx, rec.Name, env, tier, rec.Filter, promptHash, time.Now())
	if err != nil {
		return ReplayResult{}, fmt.Errorf("pipeline: replay: filter: %w", err)
	}

	result := ReplayResult{Pipeline: rec.Name, FilterResult: string(decision.Result), FilterReason: decision.Reason}

	resolver := template.New().
		Register("envelope", env.Source()).
		Register("context", template.MapSource(decision.Context)).
		Register("filter", template.MapSource(map[string]string{"tier": string(tier)})).
		Register("journal", e.store.JournalSource(ctx))

	var actionName, resultJSON string
	var llmFields map[string]string

	switch decision.Result {
	case filter.Drop:
		result.EvalType = store.EvalSkip
		actionName = "drop"
		resultJSON = fmt.Sprintf(`{"reason":%q}`, decision.Reason)

	case filter.Bypass:
		result.EvalType = store.EvalBypass
		actionName = decision.BypassAction
		resultJSON = fmt.Sprintf(`{"reason":%q}`, decision.Reason)

	case filter.Pass:
		if decision.FromCache {
			result.EvalType = store.EvalCache
			resultJSON = decision.CachedEvalResult
			actionName = actionFromResultJSON(resultJSON)
			break
		}

		outcome, err := e.runEvaluate(ctx, reg, rec, env, tier, resolver, promptDescriptor)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("pipeline: replay: evaluate: %w", err)
		}
		result.EvalType = outcome.EvalType
		actionName = outcome.ActionName
		resultJSON = outcome.ResultJSON
		llmFields = outcome.LLMFields

	default:
		return ReplayResult{}, fmt.Errorf("pipeline: replay: unknown filter result %q", decision.Result)
	}

	result.ActionName = actionName
	result.ResultJSON = resultJSON
	resolver.Register("llm", template.MapSource(llmFields))

	steps := rec.Actions[actionName]
	input := action.Input{Envelope: env, Resolver: resolver, Mode: string(store.ModeManual), Depth: 0}
	stepResults, _ := e.action.Execute(ctx, steps, input)
	if traceJSON, err := json.Marshal(stepResults); err == nil {
		result.ActionTraceJSON = string(traceJSON)
	}

	return result, nil
}

// recipeByName finds rec by name in reg, the one lookup runRecipe's own
// trigger-dispatch loop never needs since it already holds *Recipe.
func recipeByName(reg *recipe.Registry, name string) *recipe.Recipe {
	for _, rec := range reg.Recipes {
		if rec.Name == name {
			return rec
		}
	}
	return nil
}

// evalOutcome is runEvaluate's result: the EVALUATE stage's verdict
// before the Action Executor runs.
type evalOutcome struct {
	EvalType   store.EvalType
	ActionName string
	ResultJSON string
	LLMFields  map[string]string
}

// runEvaluate dispatches to the LLM Evaluator or the Hotwire Evaluator
// per rec.Evaluate.Type (§4.6, hotwire.RuleSet.Evaluate). A non-nil
// error here means the stage itself could not run at all (unknown
// prompt/model/hotwire set, or ctx cancellation) — distinct from an
// LLM failure tag, which is a normal (non-error) outcome mapped to the
// recipe's fallback_action.
func (e *Engine) runEvaluate(ctx context.Context, reg *recipe.Registry, rec *recipe.Recipe, env envelope.Envelope, tier trust.Tier, resolver *template.Resolver, promptDescriptor *recipe.PromptDescriptor) (evalOutcome, error) {
	cfg := rec.Evaluate

	switch cfg.Type {
	case "llm":
		systemPrompt, _ := resolver.Expand(promptDescriptor.Content)

		ev, err := e.evaluatorFor(reg, cfg.Model)
		if err != nil {
			return evalOutcome{}, err
		}

		queueTimeout := time.Duration(reg.Config.QueueTimeoutSeconds * float64(time.Second))
		if cfg.QueueTimeoutSeconds > 0 {
			queueTimeout = time.Duration(cfg.QueueTimeoutSeconds * float64(time.Second))
		}

		outcome, err := e.classify(ctx, ev, llmeval.Request{
			SystemPrompt:     systemPrompt,
			UserText:         env.BodyText,
			ValidActions:     actionNames(rec.Actions),
			QueueTimeout:     queueTimeout,
			InferenceTimeout: defaultInferenceTimeout,
		})
		if err != nil {
			return evalOutcome{}, err
		}

		if outcome.FailureTag != "" {
			encoded, _ := json.Marshal(map[string]string{
				"fallback_action": cfg.FallbackAction,
				"failure_tag":     outcome.FailureTag,
				"raw_response":    outcome.RawResponse,
			})
			return evalOutcome{EvalType: store.EvalLLM, ActionName: cfg.FallbackAction, ResultJSON: string(encoded)}, nil
		}

		encoded, _ := json.Marshal(map[string]any{"action": outcome.Action, "reason": outcome.Reason, "fields": outcome.Fields})
		return evalOutcome{EvalType: store.EvalLLM, ActionName: outcome.Action, ResultJSON: string(encoded), LLMFields: outcome.Fields}, nil

	case "hotwire":
		rs, ok := e.hotwireSet(cfg.Hotwire)
		if !ok {
			return evalOutcome{}, fmt.Errorf("pipeline: unknown hotwire set %q", cfg.Hotwire)
		}
		result := rs.Evaluate(envelopeFields(env))
		encoded, _ := json.Marshal(map[string]any{"action": result.Action, "reason": result.Reason, "matched": result.Matched})
		return evalOutcome{EvalType: store.EvalHotwire, ActionName: result.Action, ResultJSON: string(encoded)}, nil

	default:
		return evalOutcome{}, fmt.Errorf("pipeline: unknown evaluate type %q", cfg.Type)
	}
}

// evaluatorFor returns the cached Evaluator for modelName, building one
// on first use (§4.6 "lazily-initialised singleton").
func (e *Engine) evaluatorFor(reg *recipe.Registry, modelName string) (*llmeval.Evaluator, error) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	if ev, ok := e.evaluators[modelName]; ok {
		return ev, nil
	}
	desc, ok := reg.Models[modelName]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown model %q", modelName)
	}
	model := *desc
	ev := llmeval.New(func() (llmeval.Backend, error) { return llmeval.NewBackend(model) }, e.logger)
	e.evaluators[modelName] = ev
	return ev, nil
}

// classify acquires the process-wide inference gate before delegating
// to ev.Classify, so "only one LLM inference runs concurrently per
// process" holds even when two recipes reference different named
// models (§3 invariant). A gate-acquire timeout is reported the same
// way an Evaluator reports its own internal queue_full, so callers
// cannot tell the two apart.
func (e *Engine) classify(ctx context.Context, ev *llmeval.Evaluator, req llmeval.Request) (llmeval.Outcome, error) {
	queueCtx, cancel := context.WithTimeout(ctx, req.QueueTimeout)
	defer cancel()

	if err := e.evalGate.Acquire(queueCtx, 1); err != nil {
		if ctx.Err() != nil {
			return llmeval.Outcome{}, ctx.Err()
		}
		return llmeval.Outcome{FailureTag: llmeval.FailureQueueFull}, nil
	}
	defer e.evalGate.Release(1)

	return ev.Classify(ctx, req)
}

// applyGuard records loop-guard state for any wake/summon/reply step
// that actually ran and succeeded, and — if that push trips a breaker —
// overrides row.ActionName to loop_blocked before the row is persisted
// (§4.8 "the journal row is stamped action_name = loop_blocked").
// Manual-mode recipes never reach here with a real step (the Action
// Executor records would_execute only), but the mode is still checked
// directly as a second line of defense against recording guard state
// for effects that didn't happen.
func (e *Engine) applyGuard(ctx context.Context, row *store.JournalRow, rec *recipe.Recipe, env envelope.Envelope, senderPrefix string, steps []action.StepResult) {
	if senderPrefix == "" || store.Mode(rec.Mode) == store.ModeManual {
		return
	}

	var tripped *breaker.LoopResult
	for _, s := range steps {
		if s.Error != "" {
			continue
		}
		switch s.Type {
		case "wake", "summon":
			result, err := e.guard.RecordWakeOrReply(senderPrefix, env.SessionID, env.ReceivedAt)
			if err != nil {
				e.logger.Error("guard record failed", "recipe", rec.Name, "error", err)
				continue
			}
			if result.Tripped {
				tripped = &result
			}
		case "reply":
			result, err := e.guard.RecordWakeOrReply(senderPrefix, env.SessionID, env.ReceivedAt)
			if err != nil {
				e.logger.Error("guard record failed", "recipe", rec.Name, "error", err)
				continue
			}
			if result.Tripped {
				tripped = &result
			}
			e.guard.RecordSend(senderPrefix, env.SessionID, env.ReceivedAt)
		}
	}

	if tripped == nil {
		return
	}
	row.ActionName = "loop_blocked"
	reason := fmt.Sprintf("loop detected: %d wakes/replies from %s (threshold %d)", tripped.WakeCount, senderPrefix, tripped.Threshold)
	wakeBody := breaker.WakeAgentBody("node", senderPrefix, reason, env.ReceivedAt)
	if err := e.mailer.SendMail(ctx, e.ownNodeID, "system", wakeBody); err != nil {
		e.logger.Error("breaker trip mail failed", "error", err)
	}
	_ = e.log.Append(env.ReceivedAt, "loop_blocked", senderPrefix, fmt.Sprintf("wake_count=%d threshold=%d", tripped.WakeCount, tripped.Threshold))
}

// checkKnock runs the independent knock-pattern check (§4.8) after a
// drop-like journal row for a real sender. Skipped in manual mode and
// for envelopes with no validated sender, the same guard applyGuard
// uses — a manual-mode recipe must produce zero external effects (§8),
// and both the knock dedup flag and the alert mail are exactly that.
func (e *Engine) checkKnock(ctx context.Context, row store.JournalRow, senderPrefix string, mode string, now time.Time) {
	if senderPrefix == "" || store.Mode(mode) == store.ModeManual {
		return
	}
	if row.ActionName != "drop" && row.ActionName != "breaker_blocked" {
		return
	}
	alert, err := e.guard.CheckKnockPattern(ctx, senderPrefix, now)
	if err != nil {
		e.logger.Error("knock pattern check failed", "sender", senderPrefix, "error", err)
		return
	}
	if !alert {
		return
	}
	reason := fmt.Sprintf("sustained drops from %s exceeded knock threshold", senderPrefix)
	wakeBody := breaker.WakeAgentBody("knock", senderPrefix, reason, now)
	if err := e.mailer.SendMail(ctx, e.ownNodeID, "system", wakeBody); err != nil {
		e.logger.Error("knock alert mail failed", "error", err)
	}
	_ = e.log.Append(now, "knock_alert", senderPrefix, "knock pattern threshold exceeded")
}

func (e *Engine) persist(ctx context.Context, row store.JournalRow, env envelope.Envelope) {
	row.WallMS = time.Since(env.ReceivedAt).Milliseconds()
	if err := e.store.AppendJournal(ctx, row); err != nil {
		e.logger.Error("journal append failed", "pipeline", row.Pipeline, "error", err)
	}
}

func classificationTTL(reg *recipe.Registry) time.Duration {
	days := reg.Config.ClassificationTTLDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func reviewedFor(mode string) int {
	if store.Mode(mode) == store.ModeAutomated {
		return store.ReviewedApproved
	}
	return store.ReviewedPending
}

// envelopeFields projects env's known fields into the flat map hotwire
// rules match against.
func envelopeFields(env envelope.Envelope) map[string]string {
	keys := []string{
		"from_node", "to_node", "msg_type", "body_text", "body_json",
		"session_id", "message_id", "tick", "peer_count", "uptime_s",
	}
	fields := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, ok := env.Field(key); ok {
			fields[key] = v
		}
	}
	return fields
}

// actionNames lists a recipe's defined action names, used to constrain
// the LLM Evaluator's ValidActions (§4.6 failure (b): "unrecognised
// action value").
func actionNames(actions map[string][]recipe.ActionStep) []string {
	// "drop" is always valid even when a recipe defines no explicit
	// drop action block (it terminates with zero steps).
	names := make([]string, 0, len(actions)+1)
	names = append(names, "drop")
	for name := range actions {
		names = append(names, name)
	}
	return names
}

// actionFromResultJSON extracts the "action" field from a cached or
// stored eval_result JSON blob.
func actionFromResultJSON(resultJSON string) string {
	var decoded struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &decoded); err != nil {
		return ""
	}
	return decoded.Action
}

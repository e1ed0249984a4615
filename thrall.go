// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package thrall wires every lib/ component into the host plugin
// contract described in spec.md §1/§6. Plugin is the one type a host
// process constructs and drives; everything else in this module is a
// component Plugin assembles.
package thrall

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/thrall-guard/thrall/internal/host"
	"github.com/thrall-guard/thrall/lib/breaker"
	"github.com/thrall-guard/thrall/lib/config"
	"github.com/thrall-guard/thrall/lib/envelope"
	"github.com/thrall-guard/thrall/lib/eventlog"
	"github.com/thrall-guard/thrall/lib/filter"
	"github.com/thrall-guard/thrall/lib/pipeline"
	"github.com/thrall-guard/thrall/lib/prompts"
	"github.com/thrall-guard/thrall/lib/recipe"
	"github.com/thrall-guard/thrall/lib/store"
)

// Plugin implements host.Plugin, the contract a host process drives
// (§6 "Host plugin contract (consumed)").
type Plugin struct {
	engine  *pipeline.Engine
	prompts *prompts.Handler
	store   *store.Store
	log     *eventlog.Writer
	watcher *recipe.ReloadWatcher
	cancel  context.CancelFunc
	logger  *slog.Logger

	startedAt time.Time
	ticks     atomic.Int64
}

var _ host.Plugin = (*Plugin)(nil)

// New resolves the plugin directory from hostCtx, opens the store and
// event log, loads the recipe registry, and starts the
// thrall.reload sentinel watcher. The returned Plugin is ready to
// receive OnMailReceived/OnTick calls.
func New(ctx context.Context, hostCtx host.Context) (*Plugin, error) {
	cfg := config.Config{PluginDir: hostCtx.PluginDir()}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("thrall: %w", err)
	}

	logger := hostCtx.Logger()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("thrall: opening store: %w", err)
	}

	w, err := eventlog.Open(cfg.EventLogPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("thrall: opening event log: %w", err)
	}

	loader, err := recipe.NewLoader(cfg.PluginDir, logger)
	if err != nil {
		st.Close()
		w.Close()
		return nil, fmt.Errorf("thrall: loading recipes: %w", err)
	}

	pluginCfg := loader.Current().Config
	if pluginCfg.CockpitToken == "" {
		if token, ok := hostCtx.VaultGet(ctx, "cockpit_token"); ok {
			pluginCfg.CockpitToken = token
		}
	}
	flt := filter.New(cfg.BreakerDir(), st, pluginCfg.MaxCounterEntries)
	guard := breaker.NewGuard(breaker.GuardConfig{
		LoopThreshold:            pluginCfg.LoopThreshold,
		LoopThresholdSessionless: pluginCfg.LoopThresholdSessionless,
		KnockThreshold:           pluginCfg.KnockThreshold,
		MaxCounterEntries:        pluginCfg.MaxCounterEntries,
		BreakerDir:               cfg.BreakerDir(),
	}, st, logger)

	mailer := host.NewMailer(hostCtx)
	skills := host.NewCockpitClient(pluginCfg.CockpitURL, pluginCfg.CockpitToken)

	engine, err := pipeline.New(pipeline.Config{
		OwnNodeID:  hostCtx.NodeID(),
		PluginDir:  cfg.PluginDir,
		BreakerDir: cfg.BreakerDir(),
		Loader:     loader,
		Store:      st,
		Filter:     flt,
		Guard:      guard,
		Mailer:     mailer,
		Skills:     skills,
		EventLog:   w,
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		w.Close()
		return nil, fmt.Errorf("thrall: building engine: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	watcher, err := recipe.NewReloadWatcher(cfg.PluginDir, func() {
		if err := engine.Reload(); err != nil {
			logger.Error("thrall.reload triggered a rejected reload", "error", err)
		}
	}, logger)
	if err != nil {
		cancel()
		st.Close()
		w.Close()
		return nil, fmt.Errorf("thrall: starting reload watcher: %w", err)
	}
	watcher.Start(watchCtx)

	return &Plugin{
		engine:    engine,
		prompts:   prompts.New(st),
		store:     st,
		log:       w,
		watcher:   watcher,
		cancel:    cancel,
		logger:    logger,
		startedAt: time.Now(),
	}, nil
}

// HandleSkill implements the §6 skill interface the host's skill
// registry calls into for the prompt-load admin skill. The registry
// itself, and whatever name it registers this callable under, are out
// of scope (§1 "the skill registry and cockpit HTTP API... are out of
// scope"); Plugin only needs to hand the registry something to call.
func (p *Plugin) HandleSkill(ctx context.Context, input map[string]string) (map[string]string, error) {
	return p.prompts.Handle(ctx, input)
}

// OnMailReceived implements host.Plugin.
func (p *Plugin) OnMailReceived(ctx context.Context, msgType, fromNode, toNode, body, sessionID string) error {
	p.engine.OnMail(ctx, envelope.Envelope{
		Kind:       envelope.OnMail,
		FromNode:   fromNode,
		ToNode:     toNode,
		MsgType:    msgType,
		BodyText:   body,
		SessionID:  sessionID,
		ReceivedAt: time.Now(),
	})
	return nil
}

// OnTick implements host.Plugin.
func (p *Plugin) OnTick(ctx context.Context, peers []string, healthy bool) error {
	now := time.Now()
	return p.engine.OnTick(ctx, envelope.Envelope{
		Kind:       envelope.OnTick,
		Tick:       p.ticks.Add(1),
		PeerCount:  len(peers),
		UptimeSec:  int64(now.Sub(p.startedAt).Seconds()),
		ReceivedAt: now,
	})
}

// OnShutdown implements host.Plugin. It stops the reload watcher, then
// drains the engine (§5: "stops accepting new envelopes, waits for
// in-flight pipelines to reach a journal write") before closing the
// store and event log, matching the original guard's on_shutdown
// (guard/knarr-thrall/handler.py: signal shutdown, wait up to 15s for
// in-flight triage calls, flush, then close).
func (p *Plugin) OnShutdown(ctx context.Context) error {
	p.watcher.Stop()
	p.cancel()

	p.engine.Shutdown(ctx)

	if err := p.store.Close(); err != nil {
		p.logger.Error("thrall: closing store", "error", err)
	}
	return p.log.Close()
}

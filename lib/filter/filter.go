// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter implements the Filter stage (spec.md §4.5): the fixed,
// first-match-wins decision chain of breaker check, trust bypass,
// cooldown, rate limit, cache, and context stitch, run ahead of the
// Evaluate stage for every recipe.
package filter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/thrall-guard/thrall/internal/lru"
	"github.com/thrall-guard/thrall/lib/breaker"
	"github.com/thrall-guard/thrall/lib/envelope"
	"github.com/thrall-guard/thrall/lib/recipe"
	"github.com/thrall-guard/thrall/lib/store"
	"github.com/thrall-guard/thrall/lib/trust"
)

// Result is the filter stage's decision kind (§4.5).
type Result string

const (
	Pass   Result = "pass"
	Skip   Result = "skip"
	Drop   Result = "drop"
	Bypass Result = "bypass"
)

// Decision is the outcome of one Filter.Evaluate call.
type Decision struct {
	Result Result
	Reason string

	// BypassAction names the action to run directly when Result ==
	// Bypass, skipping the Evaluate stage.
	BypassAction string

	// FromCache is true when Result == Pass because of a cache hit;
	// CachedEvalResult then carries the cached eval_result JSON and the
	// Evaluate stage is skipped entirely (§4.5 step 5).
	FromCache        bool
	CachedEvalResult string

	// Context holds any context.* rows stitched in for the session
	// (§4.5 step 6), for the engine to register under the "context"
	// template namespace.
	Context map[string]string

	// Warning carries a non-fatal problem encountered while deciding
	// (e.g. an unreadable breaker file) for the caller to log; it never
	// changes the decision itself.
	Warning error
}

type cacheEntry struct {
	evalResult string
	expiresAt  time.Time
}

// Filter holds the in-memory state (rate-limit windows, eval cache)
// backing the Filter stage, plus the handles it needs to consult
// persisted state (breaker files, cooldown/context rows).
type Filter struct {
	breakerDir string
	store      *store.Store

	rateLimits *lru.Bounded[string, []time.Time]
	cache      *lru.Bounded[string, cacheEntry]
}

// New builds a Filter. maxEntries bounds both the rate-limit window map
// and the eval cache (plugin.toml's max_counter_entries, §6).
func New(breakerDir string, st *store.Store, maxEntries int) *Filter {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &Filter{
		breakerDir: breakerDir,
		store:      st,
		rateLimits: lru.NewBounded[string, []time.Time](maxEntries),
		cache:      lru.NewBounded[string, cacheEntry](maxEntries),
	}
}

// Evaluate runs the fixed-order filter chain for one envelope against
// one recipe's filter config (§4.5). recipeName scopes cooldown,
// rate-limit, and cache keys to the recipe that owns them.
func (f *Filter) Evaluate(ctx context.Context, recipeName string, env envelope.Envelope, tier trust.Tier, cfg recipe.FilterConfig, promptHash string, now time.Time) (Decision, error) {
	senderPrefix, _ := env.SenderPrefix()

	// 1. Breaker check.
	b, err := breaker.Active(f.breakerDir, senderPrefix, now)
	var warning error
	if err != nil {
		warning = err
	}
	if b != nil {
		return Decision{Result: Drop, Reason: "breaker_active", Warning: warning}, nil
	}

	// 2. Trust bypass.
	if cfg.TrustBypass && tier == trust.Team {
		return Decision{Result: Bypass, BypassAction: cfg.BypassAction, Reason: "trust_bypass", Warning: warning}, nil
	}

	// 3. Cooldown.
	if cfg.CooldownKey != "" {
		active, err := f.cooldownActive(ctx, cfg.CooldownKey)
		if err != nil {
			return Decision{}, err
		}
		if active {
			return Decision{Result: Drop, Reason: "cooldown", Warning: warning}, nil
		}
	}

	// 4. Rate limit. The event is recorded regardless of the outcome.
	if cfg.RateLimitMax > 0 {
		count := f.recordAndCountRateLimit(recipeName, senderPrefix, cfg.RateLimitWindowSeconds, now)
		if count > cfg.RateLimitMax {
			return Decision{Result: Bypass, BypassAction: cfg.RateLimitAction, Reason: "rate_limit", Warning: warning}, nil
		}
	}

	// 5. Cache.
	if cfg.CacheTTLSeconds > 0 {
		if result, ok := f.cacheGet(recipeName, promptHash, string(tier), env.BodyText, now); ok {
			return Decision{Result: Pass, FromCache: true, CachedEvalResult: result, Warning: warning}, nil
		}
	}

	// 6. Context stitch.
	var contextFields map[string]string
	if env.HasSession() {
		contextFields, err = f.store.GetContext(ctx, env.SessionID)
		if err != nil {
			return Decision{}, fmt.Errorf("filter: context stitch: %w", err)
		}
	}

	// 7. Default.
	return Decision{Result: Pass, Context: contextFields, Warning: warning}, nil
}

// StoreCacheResult records an eval result in the in-memory cache after
// the Evaluate stage runs, for future Filter.Evaluate calls within
// ttlSeconds to reuse (§4.5 step 5).
func (f *Filter) StoreCacheResult(recipeName, promptHash, tier, bodyText, evalResultJSON string, ttlSeconds int, now time.Time) {
	if ttlSeconds <= 0 {
		return
	}
	key := cacheKey(recipeName, promptHash, tier, bodyText)
	f.cache.Set(key, cacheEntry{
		evalResult: evalResultJSON,
		expiresAt:  now.Add(time.Duration(ttlSeconds) * time.Second),
	})
}

func (f *Filter) cacheGet(recipeName, promptHash, tier, bodyText string, now time.Time) (string, bool) {
	entry, ok := f.cache.Get(cacheKey(recipeName, promptHash, tier, bodyText))
	if !ok || now.After(entry.expiresAt) {
		return "", false
	}
	return entry.evalResult, true
}

func cacheKey(recipeName, promptHash, tier, bodyText string) string {
	sum := sha256.Sum256([]byte(bodyText))
	return recipeName + "\x00" + promptHash + "\x00" + tier + "\x00" + hex.EncodeToString(sum[:])
}

func (f *Filter) recordAndCountRateLimit(recipeName, senderPrefix string, windowSeconds int, now time.Time) int {
	key := recipeName + "\x00" + senderPrefix
	times, _ := f.rateLimits.Get(key)

	window := time.Duration(windowSeconds) * time.Second
	pruned := times[:0]
	for _, t := range times {
		if now.Sub(t) <= window {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)
	f.rateLimits.Set(key, pruned)
	return len(pruned)
}

// cooldownContextKey returns the context-table key a set_flag action
// step writes for a given cooldown key, and that Evaluate reads back
// under store.SystemSessionID.
func cooldownContextKey(cooldownKey string) string {
	return "cooldown:" + cooldownKey
}

// CooldownContextKey is exported so the Action Executor's set_flag
// step writes to the same (session, key) the Filter stage reads.
func CooldownContextKey(cooldownKey string) string {
	return cooldownContextKey(cooldownKey)
}

func (f *Filter) cooldownActive(ctx context.Context, cooldownKey string) (bool, error) {
	_, ok, err := f.store.GetContextValue(ctx, store.SystemSessionID, cooldownContextKey(cooldownKey))
	if err != nil {
		return false, fmt.Errorf("filter: cooldown check: %w", err)
	}
	return ok, nil
}

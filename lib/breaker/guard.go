// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thrall-guard/thrall/internal/lru"
	"github.com/thrall-guard/thrall/lib/store"
)

// loopWindow is the sliding window loop counts are measured over (§4.8
// "the count in the 30-minute window").
const loopWindow = 30 * time.Minute

// solicitedWindow is how long a recorded send keeps a sender exempt
// (§3 glossary "Solicited").
const solicitedWindow = time.Hour

// knockWindow is the trailing window the knock-pattern detector counts
// drops over (§4.8 "the trailing hour").
const knockWindow = time.Hour

// knockAlertDedupKeyPrefix namespaces the knock-pattern alert dedup
// flag within the shared system session (§4.8 "deduplicated by a
// flag"); the flag is modeled as a context row rather than new state,
// per DESIGN.md's "supplemented features" note.
const knockAlertDedupKeyPrefix = "knock_alert:"

// GuardConfig holds the operator-tunable thresholds (plugin.toml;
// spec.md §6 defaults).
type GuardConfig struct {
	LoopThreshold            int
	LoopThresholdSessionless int
	KnockThreshold           int
	MaxCounterEntries        int
	BreakerDir               string
}

// Guard implements the Loop / Breaker Guard (§4.8): per-(session,
// sender) wake/reply counting with solicited-reply exemption, breaker
// tripping, and the independent knock-pattern alert.
type Guard struct {
	cfg    GuardConfig
	store  *store.Store
	logger *slog.Logger

	mu         sync.Mutex
	wakeTimes  *lru.Bounded[string, []time.Time]
	solicited  *lru.Bounded[string, time.Time]
}

// NewGuard builds a Guard. store is used for the knock-pattern drop
// count and its alert-dedup flag; breaker files are written directly
// to cfg.BreakerDir.
func NewGuard(cfg GuardConfig, st *store.Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	capacity := cfg.MaxCounterEntries
	if capacity <= 0 {
		capacity = 10_000
	}
	return &Guard{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		wakeTimes: lru.NewBounded[string, []time.Time](capacity),
		solicited: lru.NewBounded[string, time.Time](capacity),
	}
}

func sessionOrDefault(sessionID string) string {
	if sessionID == "" {
		return "default"
	}
	return sessionID
}

func solicitedKey(senderPrefix, sessionID string) string {
	return senderPrefix + "\x00" + sessionID
}

func wakeKey(senderPrefix, sessionID string) string {
	return sessionOrDefault(sessionID) + "\x00" + senderPrefix
}

// RecordSend marks toPrefix as solicited for sessionID: we have sent it
// mail in this session, so the next `solicitedWindow` its wakes/replies
// get a doubled loop threshold (§4.8).
func (g *Guard) RecordSend(toPrefix, sessionID string, now time.Time) {
	g.solicited.Set(solicitedKey(toPrefix, sessionID), now)
}

func (g *Guard) isSolicited(senderPrefix, sessionID string, now time.Time) bool {
	sentAt, ok := g.solicited.Get(solicitedKey(senderPrefix, sessionID))
	if !ok {
		return false
	}
	return now.Sub(sentAt) <= solicitedWindow
}

// LoopResult is the outcome of recording one wake/reply action.
type LoopResult struct {
	Tripped   bool
	Breaker   *Breaker
	WakeCount int
	Threshold int
}

// RecordWakeOrReply records one wake/reply action for senderPrefix in
// sessionID and, if the effective threshold is now exceeded, trips a
// breaker for senderPrefix (§4.8). The read-count-compare-append
// sequence runs under Guard's lock with no suspension point, per §5's
// "no await between a read and a dependent write" rule.
func (g *Guard) RecordWakeOrReply(senderPrefix, sessionID string, now time.Time) (LoopResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	threshold := g.cfg.LoopThresholdSessionless
	if sessionID != "" {
		threshold = g.cfg.LoopThreshold
	}
	if g.isSolicited(senderPrefix, sessionID, now) {
		threshold *= 2
	}

	key := wakeKey(senderPrefix, sessionID)
	times, _ := g.wakeTimes.Get(key)

	pruned := times[:0]
	for _, t := range times {
		if now.Sub(t) <= loopWindow {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)
	g.wakeTimes.Set(key, pruned)

	result := LoopResult{WakeCount: len(pruned), Threshold: threshold}
	if len(pruned) <= threshold {
		return result, nil
	}

	b, err := Trip(g.cfg.BreakerDir, senderPrefix, "loop", "loop threshold exceeded", 3600, now)
	if err != nil {
		return result, fmt.Errorf("breaker: tripping loop breaker: %w", err)
	}
	result.Tripped = true
	result.Breaker = b
	return result, nil
}

// CheckKnockPattern reports whether senderPrefix has produced at least
// KnockThreshold drops in the trailing hour and, if so, whether an
// alert has not already been sent in the last hour (§4.8 "Knock
// pattern"). Before returning alert=true it records the dedup flag,
// holding now as the alert time; the caller is responsible for sending
// the alert mail.
func (g *Guard) CheckKnockPattern(ctx context.Context, senderPrefix string, now time.Time) (alert bool, err error) {
	count, err := g.store.CountRecentDrops(ctx, senderPrefix, now.Add(-knockWindow))
	if err != nil {
		return false, err
	}
	if count < g.cfg.KnockThreshold {
		return false, nil
	}

	dedupKey := knockAlertDedupKeyPrefix + senderPrefix
	sentAt, found, err := g.store.GetContextValue(ctx, store.SystemSessionID, dedupKey)
	if err != nil {
		return false, err
	}
	if found {
		var sentUnix int64
		if _, perr := fmt.Sscan(sentAt, &sentUnix); perr != nil || now.Sub(time.Unix(sentUnix, 0)) < time.Hour {
			return false, nil
		}
	}

	if err := g.store.SetContext(ctx, store.SystemSessionID, dedupKey, fmt.Sprint(now.Unix()), now.Add(time.Hour)); err != nil {
		return false, err
	}
	return true, nil
}

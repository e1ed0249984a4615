// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/thrall-guard/thrall/lib/store"
)

func testGuard(t *testing.T, cfg GuardConfig) *Guard {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if cfg.BreakerDir == "" {
		cfg.BreakerDir = t.TempDir()
	}
	return NewGuard(cfg, s, nil)
}

func TestRecordWakeOrReplyTripsOnThresholdPlusOne(t *testing.T) {
	t.Parallel()
	g := testGuard(t, GuardConfig{LoopThreshold: 2, LoopThresholdSessionless: 5, MaxCounterEntries: 100})
	now := time.Now()

	for i := 0; i < 2; i++ {
		result, err := g.RecordWakeOrReply("abc0123456789abc", "sess-1", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("RecordWakeOrReply: %v", err)
		}
		if result.Tripped {
			t.Fatalf("wake %d tripped the breaker early, want the (threshold+1)-th wake to trip it", i+1)
		}
	}

	result, err := g.RecordWakeOrReply("abc0123456789abc", "sess-1", now.Add(3*time.Second))
	if err != nil {
		t.Fatalf("RecordWakeOrReply: %v", err)
	}
	if !result.Tripped {
		t.Fatalf("expected the 3rd wake (threshold=2) to trip the breaker")
	}
	if result.Breaker == nil || result.Breaker.Target != "abc0123456789abc" {
		t.Errorf("result.Breaker = %+v, want a breaker for the sender", result.Breaker)
	}
}

func TestRecordWakeOrReplyUsesSessionlessThreshold(t *testing.T) {
	t.Parallel()
	g := testGuard(t, GuardConfig{LoopThreshold: 1, LoopThresholdSessionless: 3, MaxCounterEntries: 100})
	now := time.Now()

	for i := 0; i < 3; i++ {
		result, err := g.RecordWakeOrReply("abc0123456789abc", "", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("RecordWakeOrReply: %v", err)
		}
		if result.Tripped {
			t.Fatalf("wake %d tripped early under the sessionless threshold", i+1)
		}
	}

	result, err := g.RecordWakeOrReply("abc0123456789abc", "", now.Add(4*time.Second))
	if err != nil {
		t.Fatalf("RecordWakeOrReply: %v", err)
	}
	if !result.Tripped {
		t.Fatalf("expected the 4th sessionless wake (threshold=3) to trip")
	}
}

func TestRecordWakeOrReplyPrunesOutsideWindow(t *testing.T) {
	t.Parallel()
	g := testGuard(t, GuardConfig{LoopThreshold: 2, LoopThresholdSessionless: 5, MaxCounterEntries: 100})
	now := time.Now()

	for i := 0; i < 2; i++ {
		if _, err := g.RecordWakeOrReply("abc0123456789abc", "sess-1", now); err != nil {
			t.Fatalf("RecordWakeOrReply: %v", err)
		}
	}

	result, err := g.RecordWakeOrReply("abc0123456789abc", "sess-1", now.Add(31*time.Minute))
	if err != nil {
		t.Fatalf("RecordWakeOrReply: %v", err)
	}
	if result.Tripped {
		t.Errorf("expected earlier wakes outside the 30-minute window to be pruned, not counted")
	}
}

func TestSolicitedSenderGetsDoubledThreshold(t *testing.T) {
	t.Parallel()
	g := testGuard(t, GuardConfig{LoopThreshold: 2, LoopThresholdSessionless: 5, MaxCounterEntries: 100})
	now := time.Now()

	g.RecordSend("abc0123456789abc", "sess-1", now)

	for i := 0; i < 4; i++ {
		result, err := g.RecordWakeOrReply("abc0123456789abc", "sess-1", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("RecordWakeOrReply: %v", err)
		}
		if result.Tripped {
			t.Fatalf("wake %d tripped despite the solicited exemption doubling the threshold to 4", i+1)
		}
	}

	result, err := g.RecordWakeOrReply("abc0123456789abc", "sess-1", now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("RecordWakeOrReply: %v", err)
	}
	if !result.Tripped {
		t.Fatalf("expected the 5th wake to trip once the doubled threshold (4) is exceeded")
	}
}

func TestSolicitedExemptionExpiresAfterOneHour(t *testing.T) {
	t.Parallel()
	g := testGuard(t, GuardConfig{LoopThreshold: 2, LoopThresholdSessionless: 5, MaxCounterEntries: 100})
	now := time.Now()

	g.RecordSend("abc0123456789abc", "sess-1", now)

	if g.isSolicited("abc0123456789abc", "sess-1", now.Add(3599*time.Second)) != true {
		t.Errorf("expected solicited exemption to still hold at 3599s")
	}
	if g.isSolicited("abc0123456789abc", "sess-1", now.Add(3601*time.Second)) != false {
		t.Errorf("expected solicited exemption to have expired at 3601s")
	}
}

func TestCheckKnockPatternAlertsOnceThenDedups(t *testing.T) {
	t.Parallel()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Now()
	g := NewGuard(GuardConfig{KnockThreshold: 3, MaxCounterEntries: 100, BreakerDir: t.TempDir()}, s, nil)

	for i := 0; i < 3; i++ {
		row := store.JournalRow{
			ID:           string(rune('a' + i)),
			TS:           now.Add(-time.Duration(i) * time.Minute),
			Pipeline:     "p",
			SenderPrefix: "abc0123456789abc",
			ActionName:   "drop",
			EvalType:     store.EvalHotwire,
			TTLExpires:   now.Add(time.Hour),
		}
		if err := s.AppendJournal(ctx, row); err != nil {
			t.Fatalf("AppendJournal: %v", err)
		}
	}

	alert, err := g.CheckKnockPattern(ctx, "abc0123456789abc", now)
	if err != nil {
		t.Fatalf("CheckKnockPattern: %v", err)
	}
	if !alert {
		t.Fatalf("expected the first check past threshold to alert")
	}

	alert, err = g.CheckKnockPattern(ctx, "abc0123456789abc", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("CheckKnockPattern: %v", err)
	}
	if alert {
		t.Errorf("expected the second check within the hour to be deduped")
	}

	// The sender keeps knocking into the next hour, so the trailing-hour
	// window at now+61m again holds KnockThreshold drops.
	for i := 0; i < 3; i++ {
		row := store.JournalRow{
			ID:           string(rune('d' + i)),
			TS:           now.Add(60 * time.Minute),
			Pipeline:     "p",
			SenderPrefix: "abc0123456789abc",
			ActionName:   "drop",
			EvalType:     store.EvalHotwire,
			TTLExpires:   now.Add(2 * time.Hour),
		}
		if err := s.AppendJournal(ctx, row); err != nil {
			t.Fatalf("AppendJournal: %v", err)
		}
	}

	alert, err = g.CheckKnockPattern(ctx, "abc0123456789abc", now.Add(61*time.Minute))
	if err != nil {
		t.Fatalf("CheckKnockPattern: %v", err)
	}
	if !alert {
		t.Errorf("expected a new alert after the dedup flag's hour expired")
	}
}

func TestCheckKnockPatternBelowThresholdNoAlert(t *testing.T) {
	t.Parallel()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	g := NewGuard(GuardConfig{KnockThreshold: 5, MaxCounterEntries: 100, BreakerDir: t.TempDir()}, s, nil)
	alert, err := g.CheckKnockPattern(context.Background(), "abc0123456789abc", time.Now())
	if err != nil {
		t.Fatalf("CheckKnockPattern: %v", err)
	}
	if alert {
		t.Errorf("expected no alert with zero recorded drops")
	}
}

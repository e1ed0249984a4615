// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"log/slog"
	"testing"
)

// fakeContext is a minimal Context double recording SendMail calls.
type fakeContext struct {
	sends []sentCall
}

type sentCall struct {
	toNode, msgType, body, sessionID, system string
}

func (f *fakeContext) Logger() *slog.Logger { return slog.New(slog.DiscardHandler) }
func (f *fakeContext) PluginDir() string    { return "/plugins/thrall" }
func (f *fakeContext) NodeID() string       { return "ownnode0000000000" }
func (f *fakeContext) VaultGet(ctx context.Context, key string) (string, bool) {
	return "", false
}
func (f *fakeContext) SendMail(ctx context.Context, toNode, msgType, body, sessionID, system string) error {
	f.sends = append(f.sends, sentCall{toNode, msgType, body, sessionID, system})
	return nil
}

func TestMailAdapterSendsWithEmptySessionAndSystem(t *testing.T) {
	t.Parallel()
	fc := &fakeContext{}
	m := NewMailer(fc)

	if err := m.SendMail(context.Background(), "peer0000000000000", "chat", "hello"); err != nil {
		t.Fatalf("SendMail: %v", err)
	}
	if len(fc.sends) != 1 {
		t.Fatalf("expected one SendMail call, got %d", len(fc.sends))
	}
	got := fc.sends[0]
	if got.toNode != "peer0000000000000" || got.msgType != "chat" || got.body != "hello" {
		t.Errorf("forwarded call = %+v", got)
	}
	if got.sessionID != "" || got.system != "" {
		t.Errorf("expected empty session_id/system, got %+v", got)
	}
}

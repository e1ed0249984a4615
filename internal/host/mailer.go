// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package host

import "context"

// MailAdapter adapts a host Context's five-argument send_mail primitive to
// the narrower three-argument action.Mailer the Action Executor
// expects (§4.7's summon/wake/reply steps never set session_id or
// system; they address the current envelope's session implicitly
// through lib/store.Context rows keyed by session id, not the mail
// transport itself).
type MailAdapter struct {
	ctx Context
}

// NewMailer adapts ctx to action.Mailer.
func NewMailer(ctx Context) *MailAdapter {
	return &MailAdapter{ctx: ctx}
}

func (m *MailAdapter) SendMail(ctx context.Context, toNode, msgType, body string) error {
	return m.ctx.SendMail(ctx, toNode, msgType, body, "", "")
}

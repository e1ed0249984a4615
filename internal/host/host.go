// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package host declares the narrow interfaces Thrall consumes from its
// surrounding host process (spec.md §1 "out of scope... the host
// node's plugin framework" and §6 "Host plugin contract (consumed)").
// Nothing in this package implements a plugin framework; it only
// describes the shape Thrall expects one to expose, so thrall.go can
// be wired against any host that satisfies it.
package host

import (
	"context"
	"log/slog"
)

// Context is the per-process handle the host hands a plugin at
// startup (§6's ctx.log / ctx.plugin_dir / ctx.vault_get / ctx.node_id
// / ctx.send_mail).
type Context interface {
	// Logger returns the structured logger the plugin should thread
	// through its own components, per the host's own logging sink.
	Logger() *slog.Logger

	// PluginDir returns the filesystem directory this plugin instance
	// owns (§6 filesystem layout root: recipes/, prompts/, models/,
	// hotwires/, plugin.toml, thrall.db, thrall.log, breakers/).
	PluginDir() string

	// NodeID returns this plugin's own node id, used as the
	// destination for summon/wake mail and as the sender identity on
	// every reply (§4.7).
	NodeID() string

	// VaultGet resolves a secret by key from the host's credential
	// vault (e.g. a cockpit bearer token not meant to live in
	// plugin.toml in plaintext). Ok is false if key is unknown to the
	// vault.
	VaultGet(ctx context.Context, key string) (value string, ok bool)

	// SendMail delivers one message through the host's mail transport.
	// system carries an optional system/instruction string alongside
	// body, mirroring the host primitive named in §6; Thrall's own
	// action steps never set it and pass "".
	SendMail(ctx context.Context, toNode, msgType, body, sessionID, system string) error
}

// Plugin is the contract the host invokes against (§6 "Host plugin
// contract (consumed)"). thrall.Plugin implements this; the host
// process that hosts it is out of scope.
type Plugin interface {
	// OnMailReceived is invoked by the host before delivery to the
	// agent, once per inbound mail message.
	OnMailReceived(ctx context.Context, msgType, fromNode, toNode, body, sessionID string) error

	// OnTick is invoked periodically by the host with a snapshot of
	// known peers and overall health.
	OnTick(ctx context.Context, peers []string, healthy bool) error

	// OnShutdown is invoked once as the host tears the plugin down.
	OnShutdown(ctx context.Context) error
}

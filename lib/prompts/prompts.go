// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package prompts implements the restricted administrative
// prompt-load entry point (spec.md §4.9): list/get/load operations
// over the prompts stored in thrall_prompts, exposed as the single
// handle(input) -> output skill callable named in §6. The host's skill
// registry and its operator whitelist are the things that decide who
// may reach this callable at all (§4.9 "the whitelist mechanism is
// provided by the host and is opaque to this component"); this package
// only trusts the caller_node_id field it is handed.
package prompts

import (
	"context"
	"fmt"
	"time"

	"github.com/thrall-guard/thrall/lib/recipe"
	"github.com/thrall-guard/thrall/lib/store"
	"github.com/thrall-guard/thrall/lib/template"
)

// Handler implements the prompt-load skill against a Store.
// pipeline.Engine.activePrompt reads the store directly on every
// evaluate rather than caching the registry's file-backed prompt map,
// so a pushed prompt is visible to the very next envelope with no
// separate reload step required here (§4.9 "the running engine
// reloads its active prompt reference").
type Handler struct {
	store *store.Store
}

// New builds a Handler.
func New(st *store.Store) *Handler {
	return &Handler{store: st}
}

// Handle dispatches input["op"] to list, get, or load. Both input and
// the returned output are string-valued dictionaries, per the skill
// interface in §6.
func (h *Handler) Handle(ctx context.Context, input map[string]string) (map[string]string, error) {
	switch input["op"] {
	case "list":
		return h.list(ctx)
	case "get":
		return h.get(ctx, input["name"])
	case "load":
		return h.load(ctx, input["name"], input["content"], input["caller_node_id"])
	default:
		return nil, fmt.Errorf("prompts: unknown op %q", input["op"])
	}
}

func (h *Handler) list(ctx context.Context) (map[string]string, error) {
	all, err := h.store.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("prompts: list: %w", err)
	}
	names := ""
	for i, p := range all {
		if i > 0 {
			names += ","
		}
		names += p.Name
	}
	return map[string]string{"names": names}, nil
}

func (h *Handler) get(ctx context.Context, name string) (map[string]string, error) {
	if name == "" {
		return nil, fmt.Errorf("prompts: get: name is required")
	}
	p, ok, err := h.store.GetPrompt(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("prompts: get: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("prompts: get: no such prompt %q", name)
	}
	return map[string]string{
		"name":       p.Name,
		"content":    p.Content,
		"version":    fmt.Sprint(p.Version),
		"hash":       p.Hash,
		"pushed_by":  p.PushedBy,
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// load rejects content missing the {{filter.tier}} binding (§4.9
// "load must reject content that does not include the {tier}
// binding" — spec.md §4.6 names the binding explicitly as
// {{filter.tier}}), then upserts it as the new active version.
func (h *Handler) load(ctx context.Context, name, content, callerNodeID string) (map[string]string, error) {
	if name == "" || content == "" {
		return nil, fmt.Errorf("prompts: load: name and content are required")
	}
	if !template.RequiresKey(content, "filter", "tier") {
		return nil, fmt.Errorf("prompts: load: content for %q is missing the {{filter.tier}} binding", name)
	}

	existing, _, err := h.store.GetPrompt(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("prompts: load: %w", err)
	}

	p := store.Prompt{
		Name:      name,
		Version:   existing.Version + 1,
		Content:   content,
		Hash:      recipe.PromptHash(content),
		Active:    true,
		PushedBy:  callerNodeID,
		UpdatedAt: time.Now(),
	}
	if err := h.store.UpsertPrompt(ctx, p); err != nil {
		return nil, fmt.Errorf("prompts: load: %w", err)
	}

	return map[string]string{"name": name, "version": fmt.Sprint(p.Version), "hash": p.Hash}, nil
}

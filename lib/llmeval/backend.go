// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package llmeval owns the LLM Evaluator described in spec.md §4.6:
// a lazily-loaded singleton backend, a single-permit inference gate,
// and JSON-output parsing with failure classification. The actual
// model runtime is out of scope (§1) — Backend is the narrow
// classify(system, user) -> json contract the binary runtime exposes,
// and the two implementations here are thin transports to that
// external process or service, not an inference engine.
package llmeval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/thrall-guard/thrall/lib/recipe"
)

// Backend is the narrow contract a model runtime exposes: system
// prompt + user text in, raw JSON classification result out.
type Backend interface {
	Classify(ctx context.Context, systemPrompt, userText string) ([]byte, error)
}

// NewBackend builds a Backend from a model descriptor (models/*.toml).
func NewBackend(desc recipe.ModelDescriptor) (Backend, error) {
	switch desc.Backend {
	case "local_gguf":
		return &processBackend{path: desc.Path}, nil
	case "http":
		return &httpBackend{url: desc.URL, client: &http.Client{}}, nil
	default:
		return nil, fmt.Errorf("llmeval: unsupported backend %q", desc.Backend)
	}
}

// classifyRequest is the wire shape sent to both backend kinds.
type classifyRequest struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// processBackend invokes an external binary runtime once per call,
// writing the request as JSON to stdin and reading the classification
// JSON from stdout. This is the "binary language-model runtime"
// boundary named in spec.md §1/§6 — Thrall never loads model weights
// itself.
type processBackend struct {
	path string
}

func (b *processBackend) Classify(ctx context.Context, systemPrompt, userText string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	payload, err := json.Marshal(classifyRequest{System: systemPrompt, User: userText})
	if err != nil {
		return nil, fmt.Errorf("llmeval: encoding request: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.path)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("llmeval: running %s: %w: %s", b.path, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// httpBackend invokes a model-serving HTTP endpoint, typically a
// sidecar wrapping the binary runtime.
type httpBackend struct {
	url    string
	client *http.Client
}

func (b *httpBackend) Classify(ctx context.Context, systemPrompt, userText string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()

	payload, err := json.Marshal(classifyRequest{System: systemPrompt, User: userText})
	if err != nil {
		return nil, fmt.Errorf("llmeval: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llmeval: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmeval: request to %s: %w", b.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("llmeval: reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("llmeval: %s returned %s", b.url, resp.Status)
	}
	return body, nil
}

// backendTimeout is the per-call timeout applied on top of whatever
// ctx the caller passes, guarding against a hung subprocess or
// unresponsive HTTP endpoint (§4.6 "(d) timeout in the underlying
// call, distinct from queue-timeout").
const backendTimeout = 30 * time.Second

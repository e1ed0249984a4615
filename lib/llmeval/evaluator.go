// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package llmeval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxRawResponsePreview bounds the raw response recorded in failure
// outcomes and journal rows (§4.6: "truncated to 200 chars").
const maxRawResponsePreview = 200

// Failure tags recorded in Outcome.FailureTag and, downstream, in the
// journal row (§4.6, §7).
const (
	FailureNone               = ""
	FailureUnhealthy          = "model_unhealthy"
	FailureQueueFull          = "queue_full"
	FailureBackendError       = "backend_error"
	FailureMalformedJSON      = "malformed_json"
	FailureUnrecognizedAction = "unrecognized_action"
)

// Request is one classify call.
type Request struct {
	SystemPrompt string
	UserText     string

	// ValidActions, when non-empty, causes Classify to treat an
	// "action" value outside this set as FailureUnrecognizedAction
	// (§4.6 failure (b)).
	ValidActions []string

	QueueTimeout     time.Duration
	InferenceTimeout time.Duration
}

// Outcome is the result of one Classify call. When FailureTag is
// non-empty, Action and Reason are unset — the caller (the Pipeline
// Engine) is responsible for substituting the recipe's
// fallback_action (§4.6).
type Outcome struct {
	Action string
	Reason string
	// Fields holds any extra top-level string fields the model
	// returned, exposed to actions as {{llm.*}}.
	Fields map[string]string

	FailureTag  string
	RawResponse string
}

// LoadFunc lazily constructs the singleton Backend. Called at most
// once; guarded by Evaluator's internal lock so concurrent first
// callers don't each attempt a load (§4.6).
type LoadFunc func() (Backend, error)

// Evaluator owns the lazily-loaded model singleton and the 1-permit
// inference gate (§4.6). The pattern — semaphore.NewWeighted(1),
// Acquire with a deadline derived context, Release via defer — is
// grounded on gopherclaw's internal/gateway/queue.go.
type Evaluator struct {
	loadFunc LoadFunc
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu        sync.Mutex
	backend   Backend
	loadErr   error
	attempted bool
}

// New creates an Evaluator. loadFunc is called at most once, on first
// Classify call.
func New(loadFunc LoadFunc, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{
		loadFunc: loadFunc,
		logger:   logger,
		sem:      semaphore.NewWeighted(1),
	}
}

// Healthy reports whether the model loaded successfully. Returns true
// before the first load attempt — unhealthiness is only known once a
// load has actually failed.
func (e *Evaluator) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.attempted || e.loadErr == nil
}

// loadOnce returns the singleton backend, loading it on first call.
// A load failure is cached: the evaluator does not retry on every
// subsequent call, since a broken runtime binary or endpoint is
// unlikely to recover without an operator fixing it and a config
// reload creating a fresh Evaluator.
func (e *Evaluator) loadOnce() (Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.attempted {
		return e.backend, e.loadErr
	}
	e.attempted = true
	e.backend, e.loadErr = e.loadFunc()
	if e.loadErr != nil {
		e.logger.Error("llm backend load failed", "error", e.loadErr)
	}
	return e.backend, e.loadErr
}

// Classify resolves the model singleton, waits for the single
// inference permit (up to req.QueueTimeout), runs the classification
// on a worker goroutine (up to req.InferenceTimeout), and parses the
// result. It never returns a non-nil error for a model-side failure —
// those are reported via Outcome.FailureTag so the caller can
// uniformly fall back. A non-nil error means ctx itself was cancelled
// by the caller, either while waiting for the permit or during the
// inference.
func (e *Evaluator) Classify(ctx context.Context, req Request) (Outcome, error) {
	backend, err := e.loadOnce()
	if err != nil {
		return Outcome{FailureTag: FailureUnhealthy, RawResponse: truncate(err.Error())}, nil
	}

	queueCtx, cancelQueue := context.WithTimeout(ctx, req.QueueTimeout)
	defer cancelQueue()

	if err := e.sem.Acquire(queueCtx, 1); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{FailureTag: FailureQueueFull}, nil
	}
	defer e.sem.Release(1)

	inferCtx, cancelInfer := context.WithTimeout(ctx, req.InferenceTimeout)
	defer cancelInfer()

	type result struct {
		raw []byte
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		raw, err := backend.Classify(inferCtx, req.SystemPrompt, req.UserText)
		resultCh <- result{raw: raw, err: err}
	}()

	select {
	case <-inferCtx.Done():
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{FailureTag: FailureBackendError, RawResponse: "inference timed out"}, nil
	case res := <-resultCh:
		if res.err != nil {
			return Outcome{FailureTag: FailureBackendError, RawResponse: truncate(res.err.Error())}, nil
		}
		return parseOutcome(res.raw, req.ValidActions), nil
	}
}

// parseOutcome decodes the JSON shape the model is asked to emit: an
// "action" and "reason" plus any free-form fields, flattened into Fields.
func parseOutcome(raw []byte, validActions []string) Outcome {
	cleaned := stripFences(raw)

	var decoded map[string]any
	if err := json.Unmarshal(cleaned, &decoded); err != nil {
		return Outcome{FailureTag: FailureMalformedJSON, RawResponse: truncate(err.Error())}
	}

	action, _ := decoded["action"].(string)
	reason, _ := decoded["reason"].(string)

	if action == "" {
		return Outcome{FailureTag: FailureMalformedJSON, RawResponse: truncate("response has no \"action\" field")}
	}
	if len(validActions) > 0 && !contains(validActions, action) {
		return Outcome{FailureTag: FailureUnrecognizedAction, RawResponse: truncate(fmt.Sprintf("unrecognized action %q", action))}
	}

	fields := make(map[string]string)
	for key, value := range decoded {
		if key == "action" || key == "reason" {
			continue
		}
		fields[key] = stringify(value)
	}

	return Outcome{Action: action, Reason: reason, Fields: fields}
}

// stripFences removes a single leading/trailing markdown code fence
// (```json ... ``` or ``` ... ```) around raw, per §4.6: "fenced code
// markers are stripped before parsing" when the backend doesn't
// support structured-output constraints.
func stripFences(raw []byte) []byte {
	text := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(text, "```") {
		return []byte(text)
	}
	text = strings.TrimPrefix(text, "```")
	if newline := strings.IndexByte(text, '\n'); newline >= 0 && !strings.HasPrefix(strings.TrimSpace(text[:newline]), "{") {
		text = text[newline+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return []byte(strings.TrimSpace(text))
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func truncate(s string) string {
	if len(s) <= maxRawResponsePreview {
		return s
	}
	return s[:maxRawResponsePreview]
}

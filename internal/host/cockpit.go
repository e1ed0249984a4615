// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// cockpitTimeout bounds one skill call on top of whatever ctx the
// caller passes, mirroring lib/llmeval's backendTimeout guard against
// a hung HTTP endpoint.
const cockpitTimeout = 30 * time.Second

// cockpitRequest is the wire shape of the "act" step's HTTP call
// (spec.md §6 "Cockpit call").
type cockpitRequest struct {
	Skill string            `json:"skill"`
	Input map[string]string `json:"input"`
}

// CockpitClient implements action.SkillCaller against the host's skill
// registry / cockpit HTTP API (§1 "out of scope... the skill registry
// and cockpit HTTP API"; §6 "Cockpit call": POST JSON {skill, input} to
// cockpit_url with Authorization: Bearer token).
type CockpitClient struct {
	url    string
	token  string
	client *http.Client
}

// NewCockpitClient builds a CockpitClient. token may be empty if the
// cockpit endpoint requires none.
func NewCockpitClient(url, token string) *CockpitClient {
	return &CockpitClient{url: url, token: token, client: &http.Client{}}
}

// CallSkill POSTs skill and input to the cockpit URL and returns the
// raw status code and response body. A non-2xx status is not itself an
// error here — lib/action's "act" step classifies it as a step failure
// and optionally appends it to an error_buffer; CallSkill only returns
// a non-nil error for a transport-level failure (dial, timeout,
// malformed response).
func (c *CockpitClient) CallSkill(ctx context.Context, skill string, input map[string]string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, cockpitTimeout)
	defer cancel()

	payload, err := json.Marshal(cockpitRequest{Skill: skill, Input: input})
	if err != nil {
		return 0, "", fmt.Errorf("host: encoding cockpit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("host: building cockpit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("host: cockpit request to %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("host: reading cockpit response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

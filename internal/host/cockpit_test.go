// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallSkillPostsSkillAndInput(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody cockpitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewCockpitClient(srv.URL, "tok123")
	status, body, err := c.CallSkill(context.Background(), "ping", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("CallSkill: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization header = %q, want Bearer tok123", gotAuth)
	}
	if gotBody.Skill != "ping" || gotBody.Input["k"] != "v" {
		t.Errorf("request body = %+v, want skill=ping input={k:v}", gotBody)
	}
}

func TestCallSkillNonTransportErrorReturnsStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewCockpitClient(srv.URL, "")
	status, body, err := c.CallSkill(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("CallSkill returned a transport error for a non-2xx response: %v", err)
	}
	if status != http.StatusInternalServerError || body != "boom" {
		t.Errorf("status/body = %d/%q, want 500/boom", status, body)
	}
}

func TestCallSkillOmitsAuthorizationWhenTokenEmpty(t *testing.T) {
	t.Parallel()
	var gotAuth string
	seen := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth, seen = r.Header.Get("Authorization"), true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCockpitClient(srv.URL, "")
	if _, _, err := c.CallSkill(context.Background(), "ping", nil); err != nil {
		t.Fatalf("CallSkill: %v", err)
	}
	if !seen || gotAuth != "" {
		t.Errorf("Authorization header = %q, want empty", gotAuth)
	}
}

// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package recipe parses and validates the TOML configuration surface
// described in spec.md §4.3: recipes, prompts, model descriptors, and
// the central plugin.toml. Hotwire rule files live in lib/hotwire,
// which this package does not import.
package recipe

// TriggerConfig selects which events a recipe reacts to.
type TriggerConfig struct {
	// Type is "on_mail" or "on_tick".
	Type string `toml:"type"`

	// MsgTypes restricts an on_mail trigger to specific message types.
	// Empty means match every msg_type.
	MsgTypes []string `toml:"msg_types,omitempty"`
}

// FilterConfig configures the Filter stage (§4.5) for one recipe.
type FilterConfig struct {
	TrustBypass  bool   `toml:"trust_bypass,omitempty"`
	BypassAction string `toml:"bypass_action,omitempty"`

	CooldownKey     string `toml:"cooldown_key,omitempty"`
	CooldownSeconds int    `toml:"cooldown_seconds,omitempty"`

	RateLimitMax           int    `toml:"rate_limit_max,omitempty"`
	RateLimitWindowSeconds int    `toml:"rate_limit_window_seconds,omitempty"`
	RateLimitAction        string `toml:"rate_limit_action,omitempty"`

	CacheTTLSeconds int `toml:"cache_ttl_seconds,omitempty"`
}

// EvaluateConfig configures the Evaluate stage (§4.6/hotwire evaluator).
type EvaluateConfig struct {
	// Type is "llm" or "hotwire".
	Type string `toml:"type"`

	// Prompt names a prompts/*.toml entry; required when Type == "llm".
	Prompt string `toml:"prompt,omitempty"`

	// Model names a models/*.toml entry; required when Type == "llm".
	Model string `toml:"model,omitempty"`

	// FallbackAction is used on queue timeout, malformed output, or
	// backend failure.
	FallbackAction string `toml:"fallback_action,omitempty"`

	// Hotwire names a hotwires/*.toml rule set; required when Type ==
	// "hotwire".
	Hotwire string `toml:"hotwire,omitempty"`

	// QueueTimeoutSeconds overrides plugin.toml's default per recipe.
	QueueTimeoutSeconds float64 `toml:"queue_timeout_seconds,omitempty"`
}

// ActionStep is one step of a named action's step list (§4.7). Only
// the fields relevant to Type are read; ValidateRecipe does not check
// whether fields belonging to another step type are set.
type ActionStep struct {
	Type string `toml:"type"`

	// log
	Message string `toml:"message,omitempty"`

	// compile
	Buffer               string   `toml:"buffer,omitempty"`
	SummonThreshold       int      `toml:"summon_threshold,omitempty"`
	SummonKeywords        []string `toml:"summon_keywords,omitempty"`
	FlushIntervalSeconds  int      `toml:"flush_interval_seconds,omitempty"`

	// summon / wake / reply
	MsgType  string `toml:"msg_type,omitempty"`
	Template string `toml:"template,omitempty"`

	// act
	Skill       string            `toml:"skill,omitempty"`
	Input       map[string]string `toml:"input,omitempty"`
	ErrorBuffer string            `toml:"error_buffer,omitempty"`

	// set_context / clear_context / set_flag
	Key              string `toml:"key,omitempty"`
	Value            string `toml:"value,omitempty"`
	ExpiresInSeconds int    `toml:"expires_in_seconds,omitempty"`

	// trigger
	SyntheticEnvelope map[string]string `toml:"synthetic_envelope,omitempty"`
}

// Recipe is one recipes/*.toml file, per spec.md §3.
type Recipe struct {
	// Name is derived from the file name, not read from TOML.
	Name string `toml:"-"`

	Enabled  bool   `toml:"enabled"`
	Mode     string `toml:"mode"`
	Trigger  TriggerConfig           `toml:"trigger"`
	Filter   FilterConfig            `toml:"filter"`
	Evaluate EvaluateConfig          `toml:"evaluate"`
	Actions  map[string][]ActionStep `toml:"actions"`
}

// PromptDescriptor is one prompts/*.toml file.
type PromptDescriptor struct {
	Name string `toml:"-"`

	Version int    `toml:"version"`
	Content string `toml:"template_text"`
	ModelRef string `toml:"model_ref,omitempty"`

	// SkipBodyTextCheck opts out of the "{{envelope.body_text}}
	// required" validation rule (§4.3).
	SkipBodyTextCheck bool `toml:"skip_body_text_check,omitempty"`
}

// ModelDescriptor is one models/*.toml file.
type ModelDescriptor struct {
	Name string `toml:"-"`

	// Backend is one of the backends lib/llmeval knows how to load
	// ("local_gguf", "http").
	Backend string            `toml:"backend"`
	Path    string            `toml:"path,omitempty"`
	URL     string            `toml:"url,omitempty"`
	Params  map[string]string `toml:"params,omitempty"`
}

// PluginConfig is plugin.toml, the central configuration file holding
// the defaults listed in spec.md §6.
type PluginConfig struct {
	LoopThreshold            int     `toml:"loop_threshold"`
	LoopThresholdSessionless int     `toml:"loop_threshold_sessionless"`
	KnockThreshold           int     `toml:"knock_threshold"`
	ClassificationTTLDays    int     `toml:"classification_ttl_days"`
	QueueTimeoutSeconds      float64 `toml:"queue_timeout"`
	MaxBodyPreview           int     `toml:"max_body_preview"`
	MaxCounterEntries        int     `toml:"max_counter_entries"`
	ReplyWindowSeconds       int     `toml:"reply_window_seconds"`
	PruneIntervalSeconds     int     `toml:"prune_interval_seconds"`

	CockpitURL   string `toml:"cockpit_url,omitempty"`
	CockpitToken string `toml:"cockpit_token,omitempty"`

	TrustTeam  []string `toml:"trust_team,omitempty"`
	TrustKnown []string `toml:"trust_known,omitempty"`
}

// DefaultPluginConfig returns the defaults named in spec.md §6.
func DefaultPluginConfig() PluginConfig {
	return PluginConfig{
		LoopThreshold:            2,
		LoopThresholdSessionless: 5,
		KnockThreshold:           10,
		ClassificationTTLDays:    30,
		QueueTimeoutSeconds:      5.0,
		MaxBodyPreview:           2000,
		MaxCounterEntries:        10_000,
		ReplyWindowSeconds:       1800,
		PruneIntervalSeconds:     3600,
	}
}

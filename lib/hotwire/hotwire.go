// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package hotwire implements the static field-regex rule evaluator
// that short-circuits the LLM Evaluator (spec.md §4.6 glossary
// "Hotwire", §2 "Hotwire Evaluator"). A rule set is an ordered list of
// field/pattern/action rules; the first rule whose pattern matches the
// named envelope field wins. No rule matching falls through to the
// rule set's default action.
//
// Rule matching is adapted from the teacher's ContentMatch operator
// object (lib/schema/match.go) simplified to the one operator this
// spec actually needs — regex match against a single named field —
// since hotwire rules are regex rules, not general comparison
// expressions.
package hotwire

import "regexp"

// Rule is one hotwire rule as parsed from TOML: if envelope field
// Field matches Pattern, Action fires with Reason as the filter/eval
// result's reason string.
type Rule struct {
	Field   string `toml:"field"`
	Pattern string `toml:"pattern"`
	Action  string `toml:"action"`
	Reason  string `toml:"reason,omitempty"`
}

// compiledRule pairs a Rule with its compiled regexp, built once at
// load time so Evaluate never re-compiles.
type compiledRule struct {
	rule    Rule
	pattern *regexp.Regexp
}

// RuleSet is one hotwires/*.toml file: an ordered rule list plus a
// fallback action.
type RuleSet struct {
	Name          string `toml:"-"`
	DefaultAction string `toml:"default_action"`
	Rules         []Rule `toml:"rules"`

	compiled []compiledRule
}

// Result is the outcome of evaluating a RuleSet against one envelope.
type Result struct {
	Action  string
	Reason  string
	Matched bool // false means DefaultAction fired, no rule matched
}

// compile builds the compiled rule list from Rules. Called once after
// TOML decode; Validate must be called first to surface regex errors
// with file context.
func (rs *RuleSet) compile() error {
	rs.compiled = rs.compiled[:0]
	for _, r := range rs.Rules {
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			return err
		}
		rs.compiled = append(rs.compiled, compiledRule{rule: r, pattern: pattern})
	}
	return nil
}

// Evaluate checks fields (typically envelope.Field(name) lookups)
// against each rule in order, first match wins.
func (rs *RuleSet) Evaluate(fields map[string]string) Result {
	for _, c := range rs.compiled {
		value, ok := fields[c.rule.Field]
		if !ok {
			continue
		}
		if c.pattern.MatchString(value) {
			return Result{Action: c.rule.Action, Reason: c.rule.Reason, Matched: true}
		}
	}
	return Result{Action: rs.DefaultAction, Matched: false}
}

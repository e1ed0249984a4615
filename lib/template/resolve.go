// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package template expands "{{namespace.key}}" placeholders against a set
// of registered sources, one per namespace (envelope, context, llm,
// filter, journal). This is deliberately narrow: no expression language,
// no conditionals — a single lookup per placeholder, exactly as spec.md
// §4.4 describes. The pattern mirrors the teacher's ${NAME} expansion in
// lib/pipeline/variables.go, adapted to namespaced double-brace syntax.
package template

import (
	"fmt"
	"regexp"
)

// placeholderPattern matches {{namespace.key}}. The key portion is
// permissive enough to allow the journal namespace's function-call
// syntax (journal.last(pipeline='name').eval_result).
var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\.([^{}]+)\}\}`)

// Source resolves a single key within one namespace. Lookup returns
// ok=false when the key is not present; Expand never treats that as
// fatal — it substitutes the empty string and records a Diagnostic.
type Source interface {
	Lookup(key string) (string, bool)
}

// MapSource is a Source backed by a plain string map, used for the
// context, llm, and filter namespaces whose values are known in full
// before expansion runs.
type MapSource map[string]string

func (m MapSource) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Diagnostic records a placeholder that could not be resolved. Entered
// into the pipeline trace, never treated as a fatal error (§4.4, §7).
type Diagnostic struct {
	Namespace string
	Key       string
	Reason    string
}

// Resolver holds one Source per namespace. Build one with New, which
// registers no namespaces, then Register each namespace; the zero value
// has a nil source map and cannot be registered into.
type Resolver struct {
	sources map[string]Source
}

// New creates an empty Resolver. Callers register namespaces with
// Register before calling Expand.
func New() *Resolver {
	return &Resolver{sources: make(map[string]Source)}
}

// Register binds a Source to a namespace, replacing any existing
// binding. Returns the receiver for chaining.
func (r *Resolver) Register(namespace string, source Source) *Resolver {
	r.sources[namespace] = source
	return r
}

// Expand replaces every {{namespace.key}} placeholder in input.
// Placeholders whose namespace has no registered Source, or whose key
// is not found within that Source, are replaced with the empty string
// and reported as a Diagnostic — they are never treated as errors.
func (r *Resolver) Expand(input string) (string, []Diagnostic) {
	var diagnostics []Diagnostic

	result := placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		namespace, key := groups[1], groups[2]

		source, ok := r.sources[namespace]
		if !ok {
			diagnostics = append(diagnostics, Diagnostic{
				Namespace: namespace, Key: key, Reason: "unknown namespace",
			})
			return ""
		}

		value, ok := source.Lookup(key)
		if !ok {
			diagnostics = append(diagnostics, Diagnostic{
				Namespace: namespace, Key: key, Reason: "key not found",
			})
			return ""
		}
		return value
	})

	return result, diagnostics
}

// RequiresKey reports whether template text contains a literal
// reference to "{{namespace.key}}". Used by the recipe loader to
// enforce "prompt template without {{envelope.body_text}} and without
// explicit opt-out" validation (§4.3).
func RequiresKey(text, namespace, key string) bool {
	want := fmt.Sprintf("{{%s.%s}}", namespace, key)
	return regexp.MustCompile(regexp.QuoteMeta(want)).MatchString(text)
}

// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
)

// Registry is one atomically-swappable snapshot of everything under
// <plugin_dir>: recipes, prompts, models, and plugin.toml. Hotwire rule
// sets are loaded separately (lib/hotwire) since they have their own
// file format and validation.
type Registry struct {
	// Recipes is sorted in lexical filename order (§4.1 tie-break rule).
	Recipes []*Recipe
	Prompts map[string]*PromptDescriptor
	Models  map[string]*ModelDescriptor
	Config  PluginConfig
}

// ActivePrompt returns the named prompt, or ok=false if it is unknown.
func (reg *Registry) ActivePrompt(name string) (*PromptDescriptor, bool) {
	p, ok := reg.Prompts[name]
	return p, ok
}

// EnabledRecipesForTrigger returns enabled recipes matching
// triggerType, in lexical filename order.
func (reg *Registry) EnabledRecipesForTrigger(triggerType string) []*Recipe {
	var matched []*Recipe
	for _, r := range reg.Recipes {
		if r.Enabled && r.Trigger.Type == triggerType {
			matched = append(matched, r)
		}
	}
	return matched
}

// Load reads recipes/, prompts/, models/, and plugin.toml under
// pluginDir and builds a validated Registry. Any validation failure
// for any single file causes Load to return an error describing every
// failure found — per §4.3, "refuse to install new registry; keep
// previous" is the caller's responsibility (see Loader.Reload).
func Load(pluginDir string) (*Registry, error) {
	reg := &Registry{
		Prompts: make(map[string]*PromptDescriptor),
		Models:  make(map[string]*ModelDescriptor),
	}

	var errs []error

	cfg, err := LoadPluginConfig(filepath.Join(pluginDir, "plugin.toml"))
	if err != nil {
		errs = append(errs, err)
	}
	reg.Config = cfg

	recipePaths, err := listTOMLFiles(filepath.Join(pluginDir, "recipes"))
	if err != nil {
		errs = append(errs, err)
	}
	sort.Strings(recipePaths)
	for _, path := range recipePaths {
		r, err := LoadRecipe(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if issues := ValidateRecipe(r); len(issues) > 0 {
			errs = append(errs, fmt.Errorf("recipe %q: %s", r.Name, firstIssue(issues)))
			continue
		}
		reg.Recipes = append(reg.Recipes, r)
	}

	promptPaths, err := listTOMLFiles(filepath.Join(pluginDir, "prompts"))
	if err != nil {
		errs = append(errs, err)
	}
	for _, path := range promptPaths {
		p, err := LoadPrompt(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if issues := ValidatePrompt(p); len(issues) > 0 {
			errs = append(errs, fmt.Errorf("prompt %q: %s", p.Name, firstIssue(issues)))
			continue
		}
		reg.Prompts[p.Name] = p
	}

	modelPaths, err := listTOMLFiles(filepath.Join(pluginDir, "models"))
	if err != nil {
		errs = append(errs, err)
	}
	for _, path := range modelPaths {
		m, err := LoadModel(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if issues := ValidateModel(m); len(issues) > 0 {
			errs = append(errs, fmt.Errorf("model %q: %s", m.Name, firstIssue(issues)))
			continue
		}
		reg.Models[m.Name] = m
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

func firstIssue(issues []string) string {
	if len(issues) == 0 {
		return ""
	}
	return issues[0]
}

// Loader owns the current Registry and atomically swaps it on reload.
// Grounded on the lazy-singleton-with-callback pattern spec.md §9
// prescribes for cross-component reload (the thrall.reload watcher's
// callback reaches Loader.Reload through Engine.Reload).
type Loader struct {
	pluginDir string
	logger    *slog.Logger
	current   *Registry
}

// NewLoader builds a Loader and performs the initial Load.
func NewLoader(pluginDir string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reg, err := Load(pluginDir)
	if err != nil {
		return nil, err
	}
	return &Loader{pluginDir: pluginDir, logger: logger, current: reg}, nil
}

// Current returns the active Registry snapshot. In-flight pipelines
// should call this once at pipeline entry and keep the result for
// their whole run (§3 Lifecycle: "in-flight pipelines continue with
// their captured config").
func (l *Loader) Current() *Registry {
	return l.current
}

// Reload re-reads pluginDir. On success, the new Registry becomes
// Current; on failure, the previous Registry is kept and the error is
// logged and returned (§4.3, §7 "Known-bad config on load").
func (l *Loader) Reload() error {
	reg, err := Load(l.pluginDir)
	if err != nil {
		l.logger.Error("recipe reload rejected", "plugin_dir", l.pluginDir, "error", err)
		return fmt.Errorf("recipe: reload: %w", err)
	}
	l.current = reg
	l.logger.Info("recipe reload applied", "plugin_dir", l.pluginDir, "recipes", len(reg.Recipes), "prompts", len(reg.Prompts), "models", len(reg.Models))
	return nil
}

// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package config resolves the one thing Thrall needs before it can
// open anything else: the plugin directory root named in spec.md §6's
// filesystem layout, plus the fixed paths derived from it. Everything
// under <plugin_dir> that has its own schema (recipes, prompts, models,
// hotwires, plugin.toml) is parsed by lib/recipe and lib/hotwire, not
// here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// pluginDirEnv is the environment variable naming the plugin directory,
// mirroring the teacher's BUREAU_CONFIG contract: a single required
// source of truth, no fallback discovery.
const pluginDirEnv = "THRALL_PLUGIN_DIR"

// Config is the bootstrap configuration Thrall resolves before it can
// construct a recipe.Loader, store.Store, or pipeline.Engine.
type Config struct {
	// PluginDir is the filesystem directory this plugin instance owns
	// (§6 filesystem layout root).
	PluginDir string
}

// LoadEnv resolves Config from THRALL_PLUGIN_DIR. There is no
// fallback: an unset variable is an error, for the same deterministic-
// auditable-configuration reason the teacher's config package requires
// BUREAU_CONFIG.
func LoadEnv() (Config, error) {
	dir := os.Getenv(pluginDirEnv)
	if dir == "" {
		return Config{}, fmt.Errorf("config: %s environment variable not set", pluginDirEnv)
	}
	return Config{PluginDir: dir}, nil
}

// Validate checks that PluginDir is set and exists as a directory.
func (c Config) Validate() error {
	if c.PluginDir == "" {
		return fmt.Errorf("config: plugin_dir is required")
	}
	info, err := os.Stat(c.PluginDir)
	if err != nil {
		return fmt.Errorf("config: plugin_dir %q: %w", c.PluginDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: plugin_dir %q is not a directory", c.PluginDir)
	}
	return nil
}

// DatabasePath returns <plugin_dir>/thrall.db.
func (c Config) DatabasePath() string { return filepath.Join(c.PluginDir, "thrall.db") }

// EventLogPath returns <plugin_dir>/thrall.log.
func (c Config) EventLogPath() string { return filepath.Join(c.PluginDir, "thrall.log") }

// BreakerDir returns <plugin_dir>/breakers.
func (c Config) BreakerDir() string { return filepath.Join(c.PluginDir, "breakers") }

// ReloadSentinelPath returns <plugin_dir>/thrall.reload, the touch file
// whose mtime change triggers a recipe/hotwire reload.
func (c Config) ReloadSentinelPath() string { return filepath.Join(c.PluginDir, "thrall.reload") }

// varPattern matches ${VAR} and ${VAR:-default}, the same shape the
// teacher's lib/config.expandVars supports.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandVars expands ${VAR} and ${VAR:-default} references in s against
// the process environment. Used on plugin.toml's cockpit_token and
// cockpit_url fields so a secret never has to live in plaintext in a
// checked-in recipe tree (§6: cockpit call carries a bearer token).
func ExpandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name, def := parts[1], ""
		if len(parts) >= 3 {
			def = parts[2]
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return def
	})
}

// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/thrall-guard/thrall/lib/config"
)

// NameFromPath extracts a recipe/prompt/model name from a file path by
// stripping the directory prefix and extension, e.g.
// "recipes/02-spam-guard.toml" -> "02-spam-guard".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func decodeStrict(data []byte, v any) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// LoadRecipe reads and parses one recipes/*.toml file. It does not
// validate; call Validate on the result.
func LoadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: reading %s: %w", path, err)
	}

	var r Recipe
	if err := decodeStrict(data, &r); err != nil {
		return nil, fmt.Errorf("recipe: parsing %s: %w", path, err)
	}
	r.Name = NameFromPath(path)
	return &r, nil
}

// LoadPrompt reads and parses one prompts/*.toml file.
func LoadPrompt(path string) (*PromptDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: reading %s: %w", path, err)
	}

	var p PromptDescriptor
	if err := decodeStrict(data, &p); err != nil {
		return nil, fmt.Errorf("recipe: parsing %s: %w", path, err)
	}
	p.Name = NameFromPath(path)
	return &p, nil
}

// LoadModel reads and parses one models/*.toml file.
func LoadModel(path string) (*ModelDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: reading %s: %w", path, err)
	}

	var m ModelDescriptor
	if err := decodeStrict(data, &m); err != nil {
		return nil, fmt.Errorf("recipe: parsing %s: %w", path, err)
	}
	m.Name = NameFromPath(path)
	return &m, nil
}

// LoadPluginConfig reads plugin.toml, starting from DefaultPluginConfig
// so unset fields keep their default value.
func LoadPluginConfig(path string) (PluginConfig, error) {
	cfg := DefaultPluginConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("recipe: reading %s: %w", path, err)
	}

	if err := decodeStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("recipe: parsing %s: %w", path, err)
	}
	cfg.CockpitURL = config.ExpandVars(cfg.CockpitURL)
	cfg.CockpitToken = config.ExpandVars(cfg.CockpitToken)
	return cfg, nil
}

// listTOMLFiles returns the sorted (lexical) *.toml paths directly
// under dir. A missing directory yields an empty slice, not an error.
func listTOMLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recipe: reading %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

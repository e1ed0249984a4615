// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package hotwire

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// nameFromPath mirrors recipe.NameFromPath without importing lib/recipe
// (hotwire and recipe are siblings, not layered).
func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load reads and validates one hotwires/*.toml file.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hotwire: reading %s: %w", path, err)
	}

	var rs RuleSet
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("hotwire: parsing %s: %w", path, err)
	}
	rs.Name = nameFromPath(path)

	if issues := Validate(&rs); len(issues) > 0 {
		return nil, fmt.Errorf("hotwire %q: %s", rs.Name, issues[0])
	}
	if err := rs.compile(); err != nil {
		return nil, fmt.Errorf("hotwire %q: %w", rs.Name, err)
	}

	return &rs, nil
}

// LoadAll reads every hotwires/*.toml file under dir into a name ->
// RuleSet map. A missing directory yields an empty map, not an error.
func LoadAll(dir string) (map[string]*RuleSet, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*RuleSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hotwire: reading %s: %w", dir, err)
	}

	result := make(map[string]*RuleSet)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		rs, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		result[rs.Name] = rs
	}
	return result, nil
}

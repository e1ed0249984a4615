// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust resolves a sender's node id to a trust tier by matching
// its prefix against configured team and known prefix lists.
package trust

import "github.com/thrall-guard/thrall/lib/nodeid"

// Tier is a sender's resolved trust classification.
type Tier string

const (
	Team    Tier = "team"
	Known   Tier = "known"
	Unknown Tier = "unknown"
)

// Tiers holds the configured prefix lists for the team and known tiers.
// Entries are validated at load time: every entry must be a 16-char
// lowercase hex string (nodeid.Valid); invalid entries make the whole
// load fail (config loader, not this package, enforces that).
type Tiers struct {
	Team  []string
	Known []string
}

// Resolve classifies fullID by longest configured-prefix match across
// both tiers. Ties (a prefix of equal length present in both team and
// known) break in favor of team. A fullID that fails nodeid.Prefix
// validation always resolves to Unknown.
func (t Tiers) Resolve(fullID string) Tier {
	if _, ok := nodeid.Prefix(fullID); !ok {
		return Unknown
	}

	bestTeam := longestMatch(fullID, t.Team)
	bestKnown := longestMatch(fullID, t.Known)

	switch {
	case bestTeam == 0 && bestKnown == 0:
		return Unknown
	case bestTeam >= bestKnown:
		return Team
	default:
		return Known
	}
}

// longestMatch returns the length of the longest entry in candidates
// that is a prefix of fullID's validated prefix, or 0 if none match.
func longestMatch(fullID string, candidates []string) int {
	best := 0
	for _, candidate := range candidates {
		if nodeid.HasPrefix(fullID, candidate) && len(candidate) > best {
			best = len(candidate)
		}
	}
	return best
}

// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package hotwire

import (
	"fmt"
	"regexp"
)

// Validate checks a RuleSet for the "hotwire rule with invalid regex"
// schema rule (spec.md §4.3). Returns a list of human-readable issue
// descriptions; an empty list means the rule set is valid.
func Validate(rs *RuleSet) []string {
	var issues []string

	if rs.DefaultAction == "" {
		issues = append(issues, "default_action is required")
	}

	for index, r := range rs.Rules {
		prefix := fmt.Sprintf("rules[%d]", index)
		if r.Field == "" {
			issues = append(issues, fmt.Sprintf("%s: field is required", prefix))
		}
		if r.Action == "" {
			issues = append(issues, fmt.Sprintf("%s: action is required", prefix))
		}
		if r.Pattern == "" {
			issues = append(issues, fmt.Sprintf("%s: pattern is required", prefix))
			continue
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid regex %q: %v", prefix, r.Pattern, err))
		}
	}

	return issues
}

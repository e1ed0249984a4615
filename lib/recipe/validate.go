// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"fmt"

	"github.com/thrall-guard/thrall/lib/template"
)

var validTriggerTypes = map[string]bool{"on_mail": true, "on_tick": true}
var validModes = map[string]bool{"manual": true, "supervised": true, "automated": true}
var validEvaluateTypes = map[string]bool{"llm": true, "hotwire": true}

var validStepTypes = map[string]bool{
	"log": true, "drop": true, "compile": true, "summon": true, "wake": true,
	"reply": true, "act": true, "set_context": true, "clear_context": true,
	"set_flag": true, "trigger": true,
}

// ValidateRecipe checks a Recipe for the schema rules in spec.md §4.3.
// Returns a list of human-readable issue descriptions; an empty list
// means the recipe is valid.
func ValidateRecipe(r *Recipe) []string {
	var issues []string

	if r.Trigger.Type == "" {
		issues = append(issues, "missing [trigger]")
	} else if !validTriggerTypes[r.Trigger.Type] {
		issues = append(issues, fmt.Sprintf("trigger: unknown type %q", r.Trigger.Type))
	}

	if r.Mode != "" && !validModes[r.Mode] {
		issues = append(issues, fmt.Sprintf("mode: unknown value %q", r.Mode))
	}

	if r.Evaluate.Type != "" && !validEvaluateTypes[r.Evaluate.Type] {
		issues = append(issues, fmt.Sprintf("evaluate: unknown type %q", r.Evaluate.Type))
	}
	if r.Evaluate.Type == "llm" {
		if r.Evaluate.Prompt == "" {
			issues = append(issues, "evaluate: prompt is required when type=llm")
		}
		if r.Evaluate.Model == "" {
			issues = append(issues, "evaluate: model is required when type=llm")
		}
	}
	if r.Evaluate.Type == "hotwire" && r.Evaluate.Hotwire == "" {
		issues = append(issues, "evaluate: hotwire is required when type=hotwire")
	}

	for name, steps := range r.Actions {
		for index, step := range steps {
			prefix := fmt.Sprintf("actions[%q][%d]", name, index)
			if !validStepTypes[step.Type] {
				issues = append(issues, fmt.Sprintf("%s: unknown step type %q", prefix, step.Type))
			}
			if step.Type == "act" && step.Skill == "" {
				issues = append(issues, fmt.Sprintf("%s: skill is required for act steps", prefix))
			}
			if (step.Type == "set_context" || step.Type == "set_flag") && step.Key == "" {
				issues = append(issues, fmt.Sprintf("%s: key is required for %s steps", prefix, step.Type))
			}
		}
	}

	return issues
}

// ValidatePrompt checks a prompt's template text. §4.3 requires every
// prompt to bind "{{envelope.body_text}}" unless it opts out.
func ValidatePrompt(p *PromptDescriptor) []string {
	var issues []string

	if p.Content == "" {
		issues = append(issues, "template_text is required")
		return issues
	}

	if !p.SkipBodyTextCheck && !template.RequiresKey(p.Content, "envelope", "body_text") {
		issues = append(issues, `template_text must reference {{envelope.body_text}}, or set skip_body_text_check = true`)
	}

	return issues
}

var validBackends = map[string]bool{"local_gguf": true, "http": true}

// ValidateModel checks a model descriptor's backend field.
func ValidateModel(m *ModelDescriptor) []string {
	var issues []string
	if !validBackends[m.Backend] {
		issues = append(issues, fmt.Sprintf("backend: unsupported value %q", m.Backend))
	}
	if m.Backend == "local_gguf" && m.Path == "" {
		issues = append(issues, "path is required when backend=local_gguf")
	}
	if m.Backend == "http" && m.URL == "" {
		issues = append(issues, "url is required when backend=http")
	}
	return issues
}

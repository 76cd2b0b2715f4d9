// Package guardrails screens the free-text parts of a run request before
// they are interpolated into model prompts.
package guardrails

import (
	"slices"
	"strings"
)

// Result holds the outcome of a screen. Field names the first request field
// that tripped a rule.
type Result struct {
	Allowed bool     `json:"allowed"`
	Field   string   `json:"field,omitempty"`
	Flags   []string `json:"flags,omitempty"`
	Score   float64  `json:"score,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// Threshold is the injection score at which text is rejected.
const Threshold = 0.7

type pattern struct {
	text   string
	weight float64
	flag   string
}

var injectionPatterns = []pattern{
	{"ignore previous instructions", 0.9, "override_attempt"},
	{"ignore all previous", 0.9, "override_attempt"},
	{"disregard your instructions", 0.9, "override_attempt"},
	{"forget your instructions", 0.85, "override_attempt"},
	{"you are now", 0.7, "role_hijack"},
	{"pretend you are", 0.7, "role_hijack"},
	{"act as if you", 0.6, "role_hijack"},
	{"system prompt:", 0.8, "system_leak"},
	{"reveal your system", 0.8, "system_leak"},
	{"show me your prompt", 0.8, "system_leak"},
	{"ignore safety", 0.9, "safety_bypass"},
	{"bypass your filters", 0.9, "safety_bypass"},
	{"jailbreak", 0.9, "jailbreak"},
	{"do anything now", 0.85, "jailbreak"},
	{"</system>", 0.8, "tag_injection"},
	{"<system>", 0.8, "tag_injection"},
	{"[system]", 0.7, "tag_injection"},
	{"```system", 0.7, "format_injection"},
	// Replies are parsed as JSON; text asking for a different shape breaks
	// the storyboard.
	{"respond only with", 0.6, "format_injection"},
	{"do not return json", 0.75, "format_injection"},
}

// InjectionScore returns the highest pattern weight found in text and the
// flags of every pattern that matched.
func InjectionScore(text string) (float64, []string) {
	lower := strings.ToLower(text)
	var flags []string
	score := 0.0
	for _, p := range injectionPatterns {
		if !strings.Contains(lower, p.text) {
			continue
		}
		score = max(score, p.weight)
		if !slices.Contains(flags, p.flag) {
			flags = append(flags, p.flag)
		}
	}
	return score, flags
}

// Screen checks each named field in order and stops at the first one whose
// score reaches Threshold. Verbatim scripts are narration, not instructions,
// so callers pass only fields that are spliced into prompts.
func Screen(fields map[string]string) Result {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		score, flags := InjectionScore(fields[name])
		if score >= Threshold {
			return Result{
				Field:  name,
				Flags:  flags,
				Score:  score,
				Reason: "potential prompt injection in " + name,
			}
		}
	}
	return Result{Allowed: true}
}

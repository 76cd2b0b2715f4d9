package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

var variablePattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Template is a system/user prompt pair with {{variable}} placeholders.
type Template struct {
	Name   string
	System string
	User   string
}

// Render fills both halves of t. Every placeholder must have a value; use
// an empty string for optional sections.
func (t Template) Render(vars map[string]string) (system, user string, err error) {
	if system, err = Render(t.System, vars); err != nil {
		return "", "", fmt.Errorf("%s system prompt: %w", t.Name, err)
	}
	if user, err = Render(t.User, vars); err != nil {
		return "", "", fmt.Errorf("%s user prompt: %w", t.Name, err)
	}
	return system, tidy(user), nil
}

// Render replaces {{variable}} placeholders in the template with values from vars.
func Render(template string, vars map[string]string) (string, error) {
	missing := findMissingVars(template, vars)
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}

	result := variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		key := variablePattern.FindStringSubmatch(match)[1]
		return vars[key]
	})

	return result, nil
}

// ExtractVariables returns a list of variable names found in the template.
func ExtractVariables(template string) []string {
	matches := variablePattern.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool)
	var vars []string
	for _, m := range matches {
		if len(m) > 1 && !seen[m[1]] {
			vars = append(vars, m[1])
			seen[m[1]] = true
		}
	}
	return vars
}

func findMissingVars(template string, vars map[string]string) []string {
	required := ExtractVariables(template)
	var missing []string
	for _, v := range required {
		if _, ok := vars[v]; !ok {
			missing = append(missing, v)
		}
	}
	return missing
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// tidy collapses the blank lines left behind by empty optional sections.
func tidy(s string) string {
	return strings.TrimSpace(blankRuns.ReplaceAllString(s, "\n\n"))
}

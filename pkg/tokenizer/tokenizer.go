package tokenizer

import (
	"strings"
)

// CountTokens provides a rough token count estimate.
func CountTokens(text string) int {
	// Rough estimate: ~4 chars per token for English
	words := strings.Fields(text)
	return max(len(words)*4/3, 1)
}

// BudgetForWords returns a completion token limit large enough for a reply
// of about words words plus the given overhead ratio (0.5 = 50% headroom).
// The result never drops below floor.
func BudgetForWords(words int, headroom float64, floor int) int {
	if headroom < 0 {
		headroom = 0
	}
	n := int(float64(words) * 4 / 3 * (1 + headroom))
	return max(n, floor)
}

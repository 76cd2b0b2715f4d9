package llm

import "strings"

// price is USD per 1K tokens.
type price struct {
	input, output float64
}

// Providers append date or revision suffixes to model names, so lookups fall
// back to the longest known prefix.
var pricing = map[string]price{
	"gpt-4o":       {0.0025, 0.01},
	"gpt-4o-mini":  {0.00015, 0.0006},
	"gpt-4.1":      {0.002, 0.008},
	"gpt-4.1-mini": {0.0004, 0.0016},

	"claude-3-5-haiku": {0.0008, 0.004},
	"claude-sonnet-4":  {0.003, 0.015},
	"claude-opus-4":    {0.015, 0.075},

	"gemini-2.0-flash": {0.0001, 0.0004},
	"gemini-2.5-flash": {0.0003, 0.0025},
	"gemini-2.5-pro":   {0.00125, 0.01},
}

func lookupPrice(model string) (price, bool) {
	if p, ok := pricing[model]; ok {
		return p, true
	}
	best := ""
	for name := range pricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return price{}, false
	}
	return pricing[best], true
}

// CalculateCost estimates the USD cost of one completion. Unknown models cost
// nothing.
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := lookupPrice(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*p.input + float64(outputTokens)/1000*p.output
}

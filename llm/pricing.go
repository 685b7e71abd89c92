package llm

import "strings"

// Price is USD per million tokens.
type Price struct {
	Input  float64
	Output float64
}

var prices = map[string]Price{
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
	"gpt-4o":            {Input: 2.50, Output: 10.00},
	"gpt-4.1-mini":      {Input: 0.40, Output: 1.60},
	"gpt-4.1":           {Input: 2.00, Output: 8.00},
	"claude-sonnet-4-5": {Input: 3.00, Output: 15.00},
	"claude-3-5-sonnet": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4.00},
	"gemini-1.5-flash":  {Input: 0.075, Output: 0.30},
	"gemini-1.5-pro":    {Input: 1.25, Output: 5.00},
}

// PriceFor returns the price of the longest known model prefix of model.
func PriceFor(model string) (Price, bool) {
	model = strings.ToLower(model)
	best, found := "", false
	for name := range prices {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best, found = name, true
		}
	}
	if !found {
		return Price{}, false
	}
	return prices[best], true
}

// Cost returns the USD cost of usage on model. Unknown models cost zero.
func Cost(model string, u Usage) float64 {
	p, ok := PriceFor(model)
	if !ok {
		return 0
	}
	return (float64(u.PromptTokens)*p.Input + float64(u.CompletionTokens)*p.Output) / 1_000_000
}

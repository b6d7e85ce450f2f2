package tokens

// modelPricing holds per-1M-token prices in USD.
type modelPricing struct {
	input  float64
	output float64
}

// prices is indexed by the model name collaborators report in usage payloads.
// Unknown models fall back to defaultPricing so cost totals stay monotonic
// even when a new model ships before this table is updated.
var prices = map[string]modelPricing{
	"gpt-4": {
		input:  30.0,
		output: 60.0,
	},
	"gpt-4o": {
		input:  2.5,
		output: 10.0,
	},
	"gpt-3.5-turbo": {
		input:  0.5,
		output: 1.5,
	},
	"claude-3-opus": {
		input:  15.0,
		output: 75.0,
	},
	"claude-3-sonnet": {
		input:  3.0,
		output: 15.0,
	},
}

var defaultPricing = modelPricing{input: 1.0, output: 2.0}

// EstimateCost estimates the USD cost of a usage report. Prices are
// approximate and intended for relative accounting, not billing.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := prices[model]
	if !ok {
		pricing = defaultPricing
	}

	inputCost := (float64(inputTokens) / 1_000_000) * pricing.input
	outputCost := (float64(outputTokens) / 1_000_000) * pricing.output

	return inputCost + outputCost
}

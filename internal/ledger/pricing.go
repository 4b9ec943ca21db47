package ledger

import "math"

// Fixed price model. Budget numbers already recorded depend on these values.
const (
	InputShare            = 0.70
	OutputShare           = 0.30
	InputPricePerMillion  = 0.075
	OutputPricePerMillion = 0.30
)

// EstimateTokens approximates one token per four bytes of UTF-8 text.
func EstimateTokens(text string) int64 {
	return int64(math.Ceil(float64(len(text)) / 4))
}

// EstimateCost returns the USD cost of tokens under the fixed price model.
func EstimateCost(tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	t := float64(tokens)
	input := t * InputShare * InputPricePerMillion / 1_000_000
	output := t * OutputShare * OutputPricePerMillion / 1_000_000
	return input + output
}

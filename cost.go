package creditgate

import (
	"fmt"
	"math"
)

// Pricing defaults.
const (
	DefaultTokenWeight        = 4
	DefaultPricePer1000Tokens = 1
	DefaultMaxInputTokens     = 32768
	DefaultMaxOutputTokens    = 1024
	DefaultStarterCredits     = 5
)

// Pricing converts payload size into a credit charge.
type Pricing struct {
	// TokenWeight is the number of characters counted as one token.
	TokenWeight int
	// PricePer1000Tokens is the credit price of each started block of
	// 1000 tokens.
	PricePer1000Tokens float64
	// MaxInputTokens is the largest estimated token count accepted.
	MaxInputTokens int
	// CreditPriceUSD is the monetary value of one credit.
	CreditPriceUSD float64
}

// DefaultPricing returns the production price sheet.
func DefaultPricing() Pricing {
	return Pricing{
		TokenWeight:        DefaultTokenWeight,
		PricePer1000Tokens: DefaultPricePer1000Tokens,
		MaxInputTokens:     DefaultMaxInputTokens,
		CreditPriceUSD:     DefaultCreditPriceUSD,
	}
}

// Estimate is the computed charge for one payload.
type Estimate struct {
	Tokens  float64
	Credits int64
	USD     float64
}

// MaxInputChars returns the largest payload length in bytes that Estimate
// accepts.
func (p Pricing) MaxInputChars() int {
	return p.MaxInputTokens * p.TokenWeight
}

// EstimateTokens returns the estimated token count for a payload:
// ~TokenWeight chars per token.
func (p Pricing) EstimateTokens(payload string) float64 {
	return float64(len(payload)) / float64(p.TokenWeight)
}

// Estimate computes the credit cost of a payload. The block count is
// rounded up, and the product rounded up again to a whole credit.
// Returns ErrPayloadTooLarge when the payload exceeds MaxInputTokens.
func (p Pricing) Estimate(payload string) (Estimate, error) {
	tokens := p.EstimateTokens(payload)
	if tokens > float64(p.MaxInputTokens) {
		return Estimate{}, fmt.Errorf("%w: %.0f tokens exceeds maximum of %d",
			ErrPayloadTooLarge, math.Ceil(tokens), p.MaxInputTokens)
	}

	cost := math.Ceil(tokens/1000) * p.PricePer1000Tokens
	credits := int64(math.Ceil(cost))

	return Estimate{
		Tokens:  tokens,
		Credits: credits,
		USD:     float64(credits) * p.CreditPriceUSD,
	}, nil
}

// Validate checks the price sheet for usable values.
func (p Pricing) Validate() error {
	if p.TokenWeight <= 0 {
		return fmt.Errorf("creditgate: pricing: token_weight must be positive")
	}
	if p.PricePer1000Tokens <= 0 {
		return fmt.Errorf("creditgate: pricing: price_per_1000_tokens must be positive")
	}
	if p.MaxInputTokens <= 0 {
		return fmt.Errorf("creditgate: pricing: max_input_tokens must be positive")
	}
	if p.CreditPriceUSD < 0 {
		return fmt.Errorf("creditgate: pricing: credit_price_usd must not be negative")
	}
	return nil
}

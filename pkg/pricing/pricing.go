// Package pricing converts underlying resource costs (per-token, per-run)
// into customer-facing prices using configured margin percentages. All
// monetary values are decimal cents; derived prices are rounded half-up to
// four decimal places so that invoice totals never drift from the sum of
// their line items.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Errors returned by the pricing package.
var (
	ErrUnknownResource = errors.New("unknown pricing resource")
	ErrInvalidCost     = errors.New("invalid cost basis")
	ErrInvalidMargin   = errors.New("invalid margin percent")
	ErrInvalidResource = errors.New("invalid resource")
)

// unitPriceScale is the smallest billable unit for per-token prices.
const unitPriceScale = 4

var oneHundred = decimal.NewFromInt(100)

// Price applies a margin percentage to a cost basis:
// price = costBasis * (1 + marginPercent/100), rounded half-up.
func Price(costBasis decimal.Decimal, marginPercent decimal.Decimal) decimal.Decimal {
	multiplier := decimal.NewFromInt(1).Add(marginPercent.Div(oneHundred))
	return costBasis.Mul(multiplier).Round(unitPriceScale)
}

// Rule holds the cost basis and margin for one billable resource.
type Rule struct {
	Resource        string          `json:"resource"`
	InputTokenCost  decimal.Decimal `json:"input_token_cost"`
	OutputTokenCost decimal.Decimal `json:"output_token_cost"`
	RunCost         decimal.Decimal `json:"run_cost"`
	MarginPercent   decimal.Decimal `json:"margin_percent"`
}

// Validate checks a rule before it enters the catalog.
func (rule Rule) Validate() error {
	if strings.TrimSpace(rule.Resource) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidResource)
	}
	if rule.InputTokenCost.IsNegative() || rule.OutputTokenCost.IsNegative() || rule.RunCost.IsNegative() {
		return fmt.Errorf("%w: cost basis must not be negative", ErrInvalidCost)
	}
	if rule.MarginPercent.IsNegative() {
		return fmt.Errorf("%w: margin must not be negative", ErrInvalidMargin)
	}
	return nil
}

// ResourcePrice is the derived customer-facing price for one resource.
type ResourcePrice struct {
	Resource         string
	InputTokenPrice  decimal.Decimal
	OutputTokenPrice decimal.Decimal
	RunPrice         decimal.Decimal
}

// Usage reports metered consumption of a resource.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Runs         int64
}

func derivePrice(rule Rule) ResourcePrice {
	return ResourcePrice{
		Resource:         rule.Resource,
		InputTokenPrice:  Price(rule.InputTokenCost, rule.MarginPercent),
		OutputTokenPrice: Price(rule.OutputTokenCost, rule.MarginPercent),
		RunPrice:         Price(rule.RunCost, rule.MarginPercent),
	}
}

// Charge computes the total cents owed for usage at this price, rounded
// half-up to whole cents.
func (price ResourcePrice) Charge(usage Usage) int64 {
	total := price.InputTokenPrice.Mul(decimal.NewFromInt(usage.InputTokens)).
		Add(price.OutputTokenPrice.Mul(decimal.NewFromInt(usage.OutputTokens))).
		Add(price.RunPrice.Mul(decimal.NewFromInt(usage.Runs)))
	return total.Round(0).IntPart()
}

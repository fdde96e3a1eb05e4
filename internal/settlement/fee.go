package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultFeeRate is the platform's share of every released amount.
var DefaultFeeRate = decimal.RequireFromString("0.18")

// FeePolicy splits a gross amount into the paralegal payout and the
// platform fee.
type FeePolicy struct {
	rate decimal.Decimal
}

// NewFeePolicy creates a fee policy. rate must be in [0, 1).
func NewFeePolicy(rate decimal.Decimal) (FeePolicy, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return FeePolicy{}, fmt.Errorf("fee rate must be in [0, 1), got %s", rate)
	}
	return FeePolicy{rate: rate}, nil
}

// Rate returns the configured fee rate.
func (p FeePolicy) Rate() decimal.Decimal { return p.rate }

// Fee returns round_half_up(gross × rate) in cents.
func (p FeePolicy) Fee(grossCents int64) int64 {
	return decimal.NewFromInt(grossCents).Mul(p.rate).Round(0).IntPart()
}

// Split returns (payout, fee) with payout + fee == gross.
func (p FeePolicy) Split(grossCents int64) (payoutCents, feeCents int64) {
	feeCents = p.Fee(grossCents)
	return grossCents - feeCents, feeCents
}

// Package roundup computes spare change on spends and converts it into the
// settlement asset's smallest unit. All arithmetic is exact decimal math.
package roundup

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits kept for round-up amounts;
// it matches the stored NUMERIC(38,6) column and the token's decimals.
const Precision int32 = 6

// Calculate returns ceil(amount) - amount for positive amounts and zero
// otherwise. The result is truncated to Precision digits and lies in [0, 1).
func Calculate(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	return amount.Ceil().Sub(amount).Truncate(Precision)
}

// FromRaw formats a raw token integer into human units
func FromRaw(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// ToSmallestUnit converts amount (in source units) into the settlement
// asset's smallest unit: floor(amount / rate * 10^decimals).
func ToSmallestUnit(amount, rate decimal.Decimal, decimals int32) (*big.Int, error) {
	if !rate.IsPositive() {
		return nil, fmt.Errorf("conversion rate must be positive, got %s", rate)
	}
	if !amount.IsPositive() {
		return new(big.Int), nil
	}
	// Shift before dividing so the integer quotient is exact.
	q, _ := amount.Shift(decimals).QuoRem(rate, 0)
	return q.BigInt(), nil
}

// RateProvider supplies the number of source-asset units one settlement
// asset unit costs (e.g. 3000 USDC per ETH).
type RateProvider interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// FixedRateProvider always returns the configured rate
type FixedRateProvider struct {
	rate decimal.Decimal
}

// NewFixedRateProvider parses rate and rejects non-positive values
func NewFixedRateProvider(rate string) (*FixedRateProvider, error) {
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid conversion rate %q: %w", rate, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("conversion rate must be positive, got %s", rate)
	}
	return &FixedRateProvider{rate: d}, nil
}

// Rate implements RateProvider
func (p *FixedRateProvider) Rate(context.Context) (decimal.Decimal, error) {
	return p.rate, nil
}

package model

import "github.com/shopspring/decimal"

// FeeSchedule is the commission model applied to every fill:
// commission = max(Minimum, amount × Rate). The defaults mirror a
// 0.015%-with-floor retail schedule.
type FeeSchedule struct {
	Rate    decimal.Decimal
	Minimum decimal.Decimal
}

// DefaultFees returns the standard 0.015% / floor-100 schedule.
func DefaultFees() FeeSchedule {
	return FeeSchedule{
		Rate:    decimal.RequireFromString("0.00015"),
		Minimum: decimal.NewFromInt(100),
	}
}

// Commission computes the fee for a trade amount.
func (f FeeSchedule) Commission(amount decimal.Decimal) decimal.Decimal {
	c := amount.Mul(f.Rate)
	if c.LessThan(f.Minimum) {
		return f.Minimum
	}
	return c
}

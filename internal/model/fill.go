package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvariantViolation marks a state mutation that would break a ledger
// invariant (negative balance, oversold position). It indicates a bug, not
// a user error: callers must abort the operation and log loudly rather
// than clamp the number.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// Fill is the fully-computed application of one order against one tick.
// The matching engine builds it; the store applies it as a single atomic
// unit (order update, trade append, position and cash mutation, and the
// settlement entry for sells).
type Fill struct {
	Order      *Order
	Trade      *TradeRecord
	Settlement *SettlementEntry // nil unless Order.Side == SideSell
}

// ApplyBuy adds quantity bought at price and recomputes the weighted
// average cost. FIFO-average, not lot-tracked.
func (p *Position) ApplyBuy(quantity int64, price decimal.Decimal) {
	cost := price.Mul(decimal.NewFromInt(quantity))
	p.TotalCost = p.TotalCost.Add(cost)
	p.Quantity += quantity
	if p.Quantity > 0 {
		p.AvgCost = p.TotalCost.DivRound(decimal.NewFromInt(p.Quantity), 4)
	}
}

// ApplySell removes sold quantity. AvgCost is unchanged; TotalCost shrinks
// proportionally at the average cost. Returns ErrInvariantViolation when
// the position would go negative.
func (p *Position) ApplySell(quantity int64) error {
	if quantity > p.Quantity {
		return fmt.Errorf("%w: sell %d exceeds held %d for %s",
			ErrInvariantViolation, quantity, p.Quantity, p.Symbol)
	}
	p.Quantity -= quantity
	p.TotalCost = p.TotalCost.Sub(p.AvgCost.Mul(decimal.NewFromInt(quantity)))
	if p.Quantity == 0 {
		p.TotalCost = decimal.Zero
	}
	return nil
}

// DebitAvailable subtracts amount from availableCash, refusing to go
// negative.
func (b *CashBalance) DebitAvailable(amount decimal.Decimal) error {
	next := b.AvailableCash.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: available cash %s cannot cover %s",
			ErrInvariantViolation, b.AvailableCash, amount)
	}
	b.AvailableCash = next
	return nil
}

// CreditPendingSettlement adds sell proceeds to the pending-settlement
// bucket. Available cash is never touched by a sell fill.
func (b *CashBalance) CreditPendingSettlement(amount decimal.Decimal) {
	b.PendingSettlementCash = b.PendingSettlementCash.Add(amount)
}

// ReleaseSettled moves a matured settlement amount from the pending bucket
// to withdrawable cash.
func (b *CashBalance) ReleaseSettled(amount decimal.Decimal) error {
	next := b.PendingSettlementCash.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: pending settlement cash %s cannot release %s",
			ErrInvariantViolation, b.PendingSettlementCash, amount)
	}
	b.PendingSettlementCash = next
	b.WithdrawableCash = b.WithdrawableCash.Add(amount)
	return nil
}

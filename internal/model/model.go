// Package model defines the core domain types shared across the brokerage
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Share quantities are int64: the simulated market trades whole
// shares only.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderMethod distinguishes limit orders from market orders.
type OrderMethod string

const (
	MethodLimit  OrderMethod = "LIMIT"
	MethodMarket OrderMethod = "MARKET"
)

// OrderStatus is the lifecycle state of an order.
//
// PENDING → {FILLED, PARTIAL_FILLED → FILLED, CANCELLED, REJECTED, EXPIRED}.
// PENDING and PARTIAL_FILLED are the only fillable/cancellable states; the
// rest are terminal.
type OrderStatus string

const (
	StatusPending       OrderStatus = "PENDING"
	StatusPartialFilled OrderStatus = "PARTIAL_FILLED"
	StatusFilled        OrderStatus = "FILLED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusRejected      OrderStatus = "REJECTED"
	StatusExpired       OrderStatus = "EXPIRED"
)

// Open reports whether the status still allows fills or cancellation.
func (s OrderStatus) Open() bool {
	return s == StatusPending || s == StatusPartialFilled
}

// SettlementStatus is the lifecycle state of a settlement entry.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementCompleted SettlementStatus = "COMPLETED"
	SettlementCancelled SettlementStatus = "CANCELLED"
)

// Account is one user's brokerage account. Created once at provisioning,
// never deleted. Owns exactly one CashBalance and zero-or-more Positions.
type Account struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	AccountNumber string    `json:"account_number" db:"account_number"`
	Name          string    `json:"name" db:"name"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// CashBalance is the four-bucket cash state of an account. All buckets stay
// non-negative. Mutated only by fills (matching engine) and settlement
// release — never by direct user action.
type CashBalance struct {
	AccountID             string          `json:"account_id" db:"account_id"`
	AvailableCash         decimal.Decimal `json:"available_cash" db:"available_cash"`
	PendingSettlementCash decimal.Decimal `json:"pending_settlement_cash" db:"pending_settlement_cash"`
	WithdrawableCash      decimal.Decimal `json:"withdrawable_cash" db:"withdrawable_cash"`
	FrozenCash            decimal.Decimal `json:"frozen_cash" db:"frozen_cash"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// TotalCash is the sum of all four cash buckets.
func (b *CashBalance) TotalCash() decimal.Decimal {
	return b.AvailableCash.
		Add(b.PendingSettlementCash).
		Add(b.WithdrawableCash).
		Add(b.FrozenCash)
}

// Position is an account's aggregate holding in one symbol.
// quantity ≥ 0; avgCost is a weighted average recomputed on each buy fill
// and left unchanged on sells. The row is deleted when quantity hits zero.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	TotalCost decimal.Decimal `json:"total_cost" db:"total_cost"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// MarketValue returns the position value at the given price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// Order is a buy/sell instruction placed against an account. LimitPrice is
// zero for MARKET orders. FilledAt and CancelTime are zero until the order
// reaches the corresponding state.
type Order struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Side           OrderSide       `json:"side" db:"side"`
	Method         OrderMethod     `json:"method" db:"method"`
	LimitPrice     decimal.Decimal `json:"limit_price" db:"limit_price"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	FilledQuantity int64           `json:"filled_quantity" db:"filled_quantity"`
	FillPrice      decimal.Decimal `json:"fill_price" db:"fill_price"`
	Status         OrderStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	FilledAt       time.Time       `json:"filled_at,omitempty" db:"filled_at"`
	CancelTime     time.Time       `json:"cancel_time,omitempty" db:"cancel_time"`
}

// RemainingQuantity is the unfilled portion of the order.
func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// Crosses reports whether the order would execute against the given tick
// price. MARKET orders always cross; LIMIT buys cross when the tick is at
// or below the limit, LIMIT sells when it is at or above.
func (o *Order) Crosses(price decimal.Decimal) bool {
	if o.Method == MethodMarket {
		return true
	}
	if o.Side == SideBuy {
		return price.LessThanOrEqual(o.LimitPrice)
	}
	return price.GreaterThanOrEqual(o.LimitPrice)
}

// TradeRecord is the immutable append-only fact of an executed fill. Never
// mutated or deleted; this is the audit trail for balance reconciliation.
type TradeRecord struct {
	ID               string          `json:"id" db:"id"`
	AccountID        string          `json:"account_id" db:"account_id"`
	OrderID          string          `json:"order_id" db:"order_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Side             OrderSide       `json:"side" db:"side"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	Price            decimal.Decimal `json:"price" db:"price"`
	Amount           decimal.Decimal `json:"amount" db:"amount"` // price × quantity
	Commission       decimal.Decimal `json:"commission" db:"commission"`
	CashAfter        decimal.Decimal `json:"cash_after" db:"cash_after"`
	PositionQtyAfter int64           `json:"position_qty_after" db:"position_qty_after"`
	ExecutedAt       time.Time       `json:"executed_at" db:"executed_at"`
}

// SettlementEntry links a sell trade to the T+3 release of its proceeds.
// Created atomically with the sell fill; transitions to COMPLETED only by
// the daily settlement sweep.
type SettlementEntry struct {
	ID               string           `json:"id" db:"id"`
	AccountID        string           `json:"account_id" db:"account_id"`
	TradeID          string           `json:"trade_id" db:"trade_id"`
	SettlementAmount decimal.Decimal  `json:"settlement_amount" db:"settlement_amount"`
	TradeDate        time.Time        `json:"trade_date" db:"trade_date"`
	SettlementDate   time.Time        `json:"settlement_date" db:"settlement_date"`
	Status           SettlementStatus `json:"status" db:"status"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}

// Tick is a single price update for a symbol from the market data feed.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

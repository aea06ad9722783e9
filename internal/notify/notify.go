// Package notify carries fill/settlement/cancellation events from the
// ledger core to user-facing delivery. Publishing is fire-and-forget: a
// notifier failure never rolls back the ledger mutation that produced the
// event.
package notify

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/model"
)

// EventType identifies what happened.
type EventType string

const (
	EventOrderFilled        EventType = "order_filled"
	EventOrderCancelled     EventType = "order_cancelled"
	EventSettlementReleased EventType = "settlement_released"
)

// Event is a single user-facing notification.
type Event struct {
	Type           EventType       `json:"type"`
	AccountID      string          `json:"account_id"`
	OrderID        string          `json:"order_id,omitempty"`
	Symbol         string          `json:"symbol,omitempty"`
	Side           model.OrderSide `json:"side,omitempty"`
	Quantity       int64           `json:"quantity,omitempty"`
	Price          decimal.Decimal `json:"price,omitempty"`
	Amount         decimal.Decimal `json:"amount,omitempty"`
	SettlementDate time.Time       `json:"settlement_date,omitempty"`
	At             time.Time       `json:"at"`
}

// Notifier receives events for delivery.
type Notifier interface {
	Publish(ev Event)
}

// LogNotifier writes events to the structured log. Useful as the default
// sink and in tests.
type LogNotifier struct{}

func (LogNotifier) Publish(ev Event) {
	slog.Info("event published",
		"type", string(ev.Type),
		"account", ev.AccountID,
		"order", ev.OrderID,
		"symbol", ev.Symbol,
		"side", string(ev.Side),
		"quantity", ev.Quantity,
		"amount", ev.Amount.String(),
	)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Publish(ev Event) {
	for _, n := range m {
		n.Publish(ev)
	}
}

// Package store defines the persistence interface for the brokerage engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/papersim/brokerage/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccountExists is returned when provisioning collides with an
	// existing account for the same user.
	ErrAccountExists = errors.New("account already exists")

	// ErrOrderClosed is returned by fill/cancel application when the order
	// has already left an open state. Guards against double-fills when two
	// ticks race on the same symbol.
	ErrOrderClosed = errors.New("order is not open")

	// ErrAlreadySettled is returned when releasing a settlement entry that
	// is no longer PENDING. The daily sweep treats it as a no-op.
	ErrAlreadySettled = errors.New("settlement entry is not pending")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Every mutation that touches
// more than one row (ApplyFill, ReleaseSettlement) is applied as a single
// atomic unit scoped to the one account being touched.
type Store interface {
	// --- Accounts & balances ---

	// CreateAccount persists a new account together with its opening cash
	// balance. Fails with ErrAccountExists if the user already has one.
	CreateAccount(ctx context.Context, acct *model.Account, bal *model.CashBalance) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetAccountByUser retrieves the account owned by a user.
	GetAccountByUser(ctx context.Context, userID string) (*model.Account, error)

	// GetBalance retrieves the cash balance for an account.
	GetBalance(ctx context.Context, accountID string) (*model.CashBalance, error)

	// --- Positions ---

	// GetPosition retrieves the (account, symbol) position.
	GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// ListPositions returns all positions held by an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Orders ---

	// CreateOrder persists a newly admitted order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrdersByAccount returns all orders for an account, newest first.
	ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error)

	// ListOpenOrdersBySymbol returns PENDING/PARTIAL_FILLED orders for a
	// symbol. This is the matching engine's per-tick scan.
	ListOpenOrdersBySymbol(ctx context.Context, symbol string) ([]model.Order, error)

	// ListOpenOrdersByAccount returns PENDING/PARTIAL_FILLED orders for an
	// account; used by admission to compute reserved sell quantity.
	ListOpenOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error)

	// ListOpenOrdersBefore returns open orders created before the cutoff;
	// used by the expiration sweep.
	ListOpenOrdersBefore(ctx context.Context, cutoff time.Time) ([]model.Order, error)

	// CloseOrder transitions an open order to the given terminal status
	// (CANCELLED or EXPIRED) recording cancelTime. Returns ErrOrderClosed
	// if the order already left an open state.
	CloseOrder(ctx context.Context, orderID string, status model.OrderStatus, at time.Time) (*model.Order, error)

	// --- Fills & trades ---

	// ApplyFill applies one fill atomically: order → FILLED, trade record
	// appended, position and cash mutated, settlement entry created for
	// sells. On any error nothing is applied and the order keeps its
	// pre-fill state. The store stamps Trade.CashAfter and
	// Trade.PositionQtyAfter from the post-mutation rows.
	ApplyFill(ctx context.Context, f *model.Fill) error

	// ListTrades returns the account's trade records, newest first.
	ListTrades(ctx context.Context, accountID string) ([]model.TradeRecord, error)

	// --- Settlement entries ---

	// ListDueSettlements returns PENDING entries with settlementDate ≤ day.
	ListDueSettlements(ctx context.Context, day time.Time) ([]model.SettlementEntry, error)

	// ListSettlementsByAccount returns all settlement entries for an account.
	ListSettlementsByAccount(ctx context.Context, accountID string) ([]model.SettlementEntry, error)

	// ReleaseSettlement atomically moves the entry amount from pending to
	// withdrawable cash and marks the entry COMPLETED. Returns
	// ErrAlreadySettled if the entry is no longer PENDING.
	ReleaseSettlement(ctx context.Context, entryID string) (*model.SettlementEntry, error)

	// --- Ticks ---

	// UpsertTick stores the latest tick for a symbol.
	UpsertTick(ctx context.Context, t model.Tick) error

	// LatestTick returns the most recent tick for a symbol.
	LatestTick(ctx context.Context, symbol string) (*model.Tick, error)
}

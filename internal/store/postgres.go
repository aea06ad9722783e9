package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// ApplyFill and ReleaseSettlement run in one transaction with the touched
// balance/position rows locked FOR UPDATE, so a concurrent fill and
// settlement sweep on the same account cannot interleave.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTime(dst *time.Time, src *time.Time) {
	if src != nil {
		*dst = *src
	}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.Account, bal *model.CashBalance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1)`, acct.UserID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrAccountExists
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (id, user_id, account_number, name, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		acct.ID, acct.UserID, acct.AccountNumber, acct.Name, acct.CreatedAt); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO cash_balances (account_id, available_cash, pending_settlement_cash, withdrawable_cash, frozen_cash, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		bal.AccountID,
		bal.AvailableCash.String(), bal.PendingSettlementCash.String(),
		bal.WithdrawableCash.String(), bal.FrozenCash.String(),
		bal.UpdatedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.getAccount(ctx, `SELECT id, user_id, account_number, name, created_at FROM accounts WHERE id = $1`, id)
}

func (s *PostgresStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	return s.getAccount(ctx, `SELECT id, user_id, account_number, name, created_at FROM accounts WHERE user_id = $1`, userID)
}

func (s *PostgresStore) getAccount(ctx context.Context, query, arg string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&a.ID, &a.UserID, &a.AccountNumber, &a.Name, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

const balanceCols = `account_id, available_cash::TEXT, pending_settlement_cash::TEXT, withdrawable_cash::TEXT, frozen_cash::TEXT, updated_at`

func scanBalance(row pgx.Row) (*model.CashBalance, error) {
	var b model.CashBalance
	var avail, pending, withdrawable, frozen string
	err := row.Scan(&b.AccountID, &avail, &pending, &withdrawable, &frozen, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan balance: %w", err)
	}
	b.AvailableCash, _ = decimal.NewFromString(avail)
	b.PendingSettlementCash, _ = decimal.NewFromString(pending)
	b.WithdrawableCash, _ = decimal.NewFromString(withdrawable)
	b.FrozenCash, _ = decimal.NewFromString(frozen)
	return &b, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (*model.CashBalance, error) {
	return scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM cash_balances WHERE account_id = $1`, accountID))
}

const positionCols = `account_id, symbol, quantity, avg_cost::TEXT, total_cost::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg, total string
	err := row.Scan(&p.AccountID, &p.Symbol, &p.Quantity, &avg, &total, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	p.AvgCost, _ = decimal.NewFromString(avg)
	p.TotalCost, _ = decimal.NewFromString(total)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol))
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const orderCols = `id, account_id, symbol, side, method, limit_price::TEXT, quantity, filled_quantity, fill_price::TEXT, status, created_at, filled_at, cancel_time`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var limitPrice, fillPrice string
	var filledAt, cancelTime *time.Time
	err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Method,
		&limitPrice, &o.Quantity, &o.FilledQuantity, &fillPrice,
		&o.Status, &o.CreatedAt, &filledAt, &cancelTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.LimitPrice, _ = decimal.NewFromString(limitPrice)
	o.FillPrice, _ = decimal.NewFromString(fillPrice)
	scanTime(&o.FilledAt, filledAt)
	scanTime(&o.CancelTime, cancelTime)
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, symbol, side, method, limit_price, quantity, filled_quantity, fill_price, status, created_at, filled_at, cancel_time)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9::NUMERIC, $10, $11, $12, $13)`,
		o.ID, o.AccountID, o.Symbol, o.Side, o.Method,
		o.LimitPrice.String(), o.Quantity, o.FilledQuantity, o.FillPrice.String(),
		o.Status, o.CreatedAt, nullTime(o.FilledAt), nullTime(o.CancelTime))
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderCols+` FROM orders WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
}

func (s *PostgresStore) ListOpenOrdersBySymbol(ctx context.Context, symbol string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE symbol = $1 AND status IN ('PENDING', 'PARTIAL_FILLED')
		 ORDER BY created_at`, symbol)
}

func (s *PostgresStore) ListOpenOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE account_id = $1 AND status IN ('PENDING', 'PARTIAL_FILLED')
		 ORDER BY created_at`, accountID)
}

func (s *PostgresStore) ListOpenOrdersBefore(ctx context.Context, cutoff time.Time) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE status IN ('PENDING', 'PARTIAL_FILLED') AND created_at < $1
		 ORDER BY created_at`, cutoff)
}

func (s *PostgresStore) CloseOrder(ctx context.Context, orderID string, status model.OrderStatus, at time.Time) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE orders SET status = $2, cancel_time = $3
		 WHERE id = $1 AND status IN ('PENDING', 'PARTIAL_FILLED')
		 RETURNING `+orderCols, orderID, status, at))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing order from one already closed.
		if _, getErr := s.GetOrder(ctx, orderID); getErr == nil {
			return nil, ErrOrderClosed
		}
		return nil, ErrNotFound
	}
	return o, err
}

// ApplyFill runs the whole fill in one transaction. The balance row (and
// position row for sells) is locked FOR UPDATE; the conditional order
// update guards against double-fills.
func (s *PostgresStore) ApplyFill(ctx context.Context, f *model.Fill) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Claim the order first: zero rows means it was filled/cancelled by a
	// competing tick.
	tag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, filled_quantity = $3, fill_price = $4::NUMERIC, filled_at = $5
		 WHERE id = $1 AND status IN ('PENDING', 'PARTIAL_FILLED')`,
		f.Order.ID, f.Order.Status, f.Order.FilledQuantity,
		f.Order.FillPrice.String(), nullTime(f.Order.FilledAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderClosed
	}

	bal, err := scanBalance(tx.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM cash_balances WHERE account_id = $1 FOR UPDATE`,
		f.Order.AccountID))
	if err != nil {
		return err
	}

	pos, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		f.Order.AccountID, f.Order.Symbol))
	if errors.Is(err, ErrNotFound) {
		pos = &model.Position{AccountID: f.Order.AccountID, Symbol: f.Order.Symbol}
	} else if err != nil {
		return err
	}

	if f.Order.Side == model.SideBuy {
		if err := bal.DebitAvailable(f.Trade.Amount.Add(f.Trade.Commission)); err != nil {
			return err
		}
		pos.ApplyBuy(f.Trade.Quantity, f.Trade.Price)
	} else {
		if err := pos.ApplySell(f.Trade.Quantity); err != nil {
			return err
		}
		bal.CreditPendingSettlement(f.Trade.Amount.Sub(f.Trade.Commission))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE cash_balances
		 SET available_cash = $2::NUMERIC, pending_settlement_cash = $3::NUMERIC, updated_at = $4
		 WHERE account_id = $1`,
		bal.AccountID, bal.AvailableCash.String(), bal.PendingSettlementCash.String(),
		f.Trade.ExecutedAt); err != nil {
		return err
	}

	if pos.Quantity == 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND symbol = $2`,
			pos.AccountID, pos.Symbol); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (account_id, symbol, quantity, avg_cost, total_cost, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (account_id, symbol) DO UPDATE SET
			   quantity = EXCLUDED.quantity,
			   avg_cost = EXCLUDED.avg_cost,
			   total_cost = EXCLUDED.total_cost,
			   updated_at = EXCLUDED.updated_at`,
			pos.AccountID, pos.Symbol, pos.Quantity,
			pos.AvgCost.String(), pos.TotalCost.String(), f.Trade.ExecutedAt); err != nil {
			return err
		}
	}

	f.Trade.CashAfter = bal.AvailableCash
	f.Trade.PositionQtyAfter = pos.Quantity

	if _, err := tx.Exec(ctx,
		`INSERT INTO trade_records (id, account_id, order_id, symbol, side, quantity, price, amount, commission, cash_after, position_qty_after, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		f.Trade.ID, f.Trade.AccountID, f.Trade.OrderID, f.Trade.Symbol, f.Trade.Side,
		f.Trade.Quantity, f.Trade.Price.String(), f.Trade.Amount.String(),
		f.Trade.Commission.String(), f.Trade.CashAfter.String(),
		f.Trade.PositionQtyAfter, f.Trade.ExecutedAt); err != nil {
		return err
	}

	if f.Settlement != nil {
		e := f.Settlement
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlement_entries (id, account_id, trade_id, settlement_amount, trade_date, settlement_date, status, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
			e.ID, e.AccountID, e.TradeID, e.SettlementAmount.String(),
			e.TradeDate, e.SettlementDate, e.Status, e.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

const tradeCols = `id, account_id, order_id, symbol, side, quantity, price::TEXT, amount::TEXT, commission::TEXT, cash_after::TEXT, position_qty_after, executed_at`

func (s *PostgresStore) ListTrades(ctx context.Context, accountID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trade_records WHERE account_id = $1 ORDER BY executed_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var price, amount, commission, cashAfter string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.OrderID, &t.Symbol, &t.Side,
			&t.Quantity, &price, &amount, &commission, &cashAfter,
			&t.PositionQtyAfter, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.Amount, _ = decimal.NewFromString(amount)
		t.Commission, _ = decimal.NewFromString(commission)
		t.CashAfter, _ = decimal.NewFromString(cashAfter)
		out = append(out, t)
	}
	return out, rows.Err()
}

const settlementCols = `id, account_id, trade_id, settlement_amount::TEXT, trade_date, settlement_date, status, created_at`

func scanSettlement(row pgx.Row) (*model.SettlementEntry, error) {
	var e model.SettlementEntry
	var amount string
	err := row.Scan(&e.ID, &e.AccountID, &e.TradeID, &amount,
		&e.TradeDate, &e.SettlementDate, &e.Status, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan settlement: %w", err)
	}
	e.SettlementAmount, _ = decimal.NewFromString(amount)
	return &e, nil
}

func (s *PostgresStore) querySettlements(ctx context.Context, query string, args ...any) ([]model.SettlementEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SettlementEntry
	for rows.Next() {
		e, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDueSettlements(ctx context.Context, day time.Time) ([]model.SettlementEntry, error) {
	return s.querySettlements(ctx,
		`SELECT `+settlementCols+` FROM settlement_entries
		 WHERE status = 'PENDING' AND settlement_date <= $1
		 ORDER BY settlement_date`, day)
}

func (s *PostgresStore) ListSettlementsByAccount(ctx context.Context, accountID string) ([]model.SettlementEntry, error) {
	return s.querySettlements(ctx,
		`SELECT `+settlementCols+` FROM settlement_entries
		 WHERE account_id = $1 ORDER BY created_at`, accountID)
}

func (s *PostgresStore) ReleaseSettlement(ctx context.Context, entryID string) (*model.SettlementEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := scanSettlement(tx.QueryRow(ctx,
		`SELECT `+settlementCols+` FROM settlement_entries WHERE id = $1 FOR UPDATE`, entryID))
	if err != nil {
		return nil, err
	}
	if e.Status != model.SettlementPending {
		return nil, ErrAlreadySettled
	}

	bal, err := scanBalance(tx.QueryRow(ctx,
		`SELECT `+balanceCols+` FROM cash_balances WHERE account_id = $1 FOR UPDATE`, e.AccountID))
	if err != nil {
		return nil, err
	}
	if err := bal.ReleaseSettled(e.SettlementAmount); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE cash_balances
		 SET pending_settlement_cash = $2::NUMERIC, withdrawable_cash = $3::NUMERIC, updated_at = NOW()
		 WHERE account_id = $1`,
		bal.AccountID, bal.PendingSettlementCash.String(), bal.WithdrawableCash.String()); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE settlement_entries SET status = 'COMPLETED' WHERE id = $1`, entryID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	e.Status = model.SettlementCompleted
	return e, nil
}

func (s *PostgresStore) UpsertTick(ctx context.Context, t model.Tick) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ticks (symbol, price, ts)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (symbol) DO UPDATE SET price = EXCLUDED.price, ts = EXCLUDED.ts`,
		t.Symbol, t.Price.String(), t.Timestamp)
	return err
}

func (s *PostgresStore) LatestTick(ctx context.Context, symbol string) (*model.Tick, error) {
	var t model.Tick
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT symbol, price::TEXT, ts FROM ticks WHERE symbol = $1`, symbol).
		Scan(&t.Symbol, &price, &t.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest tick %s: %w", symbol, err)
	}
	t.Price, _ = decimal.NewFromString(price)
	return &t, nil
}

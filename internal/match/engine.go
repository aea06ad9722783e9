// Package match is the price-driven matching engine. Each incoming tick
// scans the open orders for its symbol and fills every order the tick
// price crosses, in full, at the tick price — the simulated market has
// unlimited counter-liquidity and no price-time priority across competing
// orders.
package match

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/metrics"
	"github.com/papersim/brokerage/internal/model"
	"github.com/papersim/brokerage/internal/notify"
	"github.com/papersim/brokerage/internal/settle"
	"github.com/papersim/brokerage/internal/store"
)

// Engine matches open orders against price ticks. Safe for concurrent use
// across symbols; fills within one symbol are serialized by a per-symbol
// mutex so two ticks cannot race to fill the same order twice.
type Engine struct {
	store         store.Store
	fees          model.FeeSchedule
	notifier      notify.Notifier
	settlementLag int // business days until sell proceeds settle

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewEngine creates a matching engine. notifier may be nil.
func NewEngine(st store.Store, fees model.FeeSchedule, notifier notify.Notifier, settlementLag int) *Engine {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Engine{
		store:         st,
		fees:          fees,
		notifier:      notifier,
		settlementLag: settlementLag,
		locks:         make(map[string]*sync.Mutex),
		now:           time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		e.locks[symbol] = m
	}
	return m
}

// OnPriceTick processes one price update: records the tick and fills every
// open order for the symbol that crosses the tick price. Errors are logged,
// never returned — a failed fill leaves its order open for the next tick.
func (e *Engine) OnPriceTick(ctx context.Context, tick model.Tick) {
	if tick.Symbol == "" || !tick.Price.IsPositive() {
		return
	}
	metrics.TicksProcessed.Inc()

	if err := e.store.UpsertTick(ctx, tick); err != nil {
		slog.Error("tick persist failed", "symbol", tick.Symbol, "err", err)
	}

	lock := e.symbolLock(tick.Symbol)
	lock.Lock()
	defer lock.Unlock()

	open, err := e.store.ListOpenOrdersBySymbol(ctx, tick.Symbol)
	if err != nil {
		slog.Error("open order scan failed", "symbol", tick.Symbol, "err", err)
		return
	}

	for i := range open {
		order := open[i]
		if !order.Crosses(tick.Price) {
			continue
		}
		e.fill(ctx, &order, tick)
	}
}

// fill executes one crossing order in full at the tick price. The whole
// application — order update, trade append, position and cash mutation,
// settlement entry for sells — is one atomic store call; on failure the
// order keeps its pre-fill state and the next tick re-attempts.
func (e *Engine) fill(ctx context.Context, order *model.Order, tick model.Tick) {
	start := e.now()
	quantity := order.RemainingQuantity()
	if quantity <= 0 {
		return
	}

	amount := tick.Price.Mul(decimal.NewFromInt(quantity))
	commission := e.fees.Commission(amount)
	executedAt := start.UTC()

	filled := *order
	filled.Status = model.StatusFilled
	filled.FilledQuantity = order.Quantity
	filled.FillPrice = tick.Price
	filled.FilledAt = executedAt

	trade := &model.TradeRecord{
		ID:         uuid.New().String(),
		AccountID:  order.AccountID,
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   quantity,
		Price:      tick.Price,
		Amount:     amount,
		Commission: commission,
		ExecutedAt: executedAt,
	}

	f := &model.Fill{Order: &filled, Trade: trade}
	if order.Side == model.SideSell {
		tradeDate := truncateToDay(executedAt)
		f.Settlement = &model.SettlementEntry{
			ID:               uuid.New().String(),
			AccountID:        order.AccountID,
			TradeID:          trade.ID,
			SettlementAmount: amount.Sub(commission),
			TradeDate:        tradeDate,
			SettlementDate:   settle.AddBusinessDays(tradeDate, e.settlementLag),
			Status:           model.SettlementPending,
			CreatedAt:        executedAt,
		}
	}

	err := e.store.ApplyFill(ctx, f)
	switch {
	case errors.Is(err, store.ErrOrderClosed):
		// Lost the race to a competing tick; nothing applied.
		return
	case errors.Is(err, model.ErrInvariantViolation):
		// A fill that would corrupt the ledger is a bug, not a retry
		// candidate. Log loudly and leave the order as-is.
		slog.Error("fill rejected: ledger invariant violation",
			"order", order.ID, "account", order.AccountID, "symbol", order.Symbol, "err", err)
		metrics.FillFailures.Inc()
		return
	case err != nil:
		slog.Error("fill application failed, order left open",
			"order", order.ID, "symbol", order.Symbol, "err", err)
		metrics.FillFailures.Inc()
		return
	}

	metrics.FillsTotal.WithLabelValues(string(order.Side)).Inc()
	metrics.FillLatency.WithLabelValues(string(order.Side)).Observe(e.now().Sub(start).Seconds())

	slog.Info("order filled",
		"order", order.ID,
		"account", order.AccountID,
		"symbol", order.Symbol,
		"side", string(order.Side),
		"quantity", quantity,
		"price", tick.Price.String(),
		"commission", commission.String(),
	)

	ev := notify.Event{
		Type:      notify.EventOrderFilled,
		AccountID: order.AccountID,
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  quantity,
		Price:     tick.Price,
		Amount:    amount,
		At:        executedAt,
	}
	if f.Settlement != nil {
		ev.SettlementDate = f.Settlement.SettlementDate
	}
	e.notifier.Publish(ev)
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

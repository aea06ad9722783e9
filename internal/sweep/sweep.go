// Package sweep cancels stale orders. Orders do not persist across trading
// days: a daily job at the day boundary cancels anything still open from a
// prior day, and a startup pass covers expirations missed while the
// process was down.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/papersim/brokerage/internal/metrics"
	"github.com/papersim/brokerage/internal/model"
	"github.com/papersim/brokerage/internal/notify"
	"github.com/papersim/brokerage/internal/store"
)

// Expirer runs the daily order expiration sweep.
type Expirer struct {
	store    store.Store
	notifier notify.Notifier
	running  sync.Mutex // guards against self-overlap
	now      func() time.Time
}

// NewExpirer creates an expiration sweep. notifier may be nil.
func NewExpirer(st store.Store, notifier notify.Notifier) *Expirer {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Expirer{store: st, notifier: notifier, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (e *Expirer) SetClock(now func() time.Time) { e.now = now }

// ExpireStaleOrders cancels every order still open that was created before
// the cutoff. Expiration releases nothing: admission never reserved cash
// or shares, only checked them. Safe to re-run — already-terminal orders
// are skipped.
func (e *Expirer) ExpireStaleOrders(ctx context.Context, cutoff time.Time) error {
	if !e.running.TryLock() {
		slog.Warn("expiration sweep already running, skipping")
		return nil
	}
	defer e.running.Unlock()

	stale, err := e.store.ListOpenOrdersBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale orders: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	slog.Info("expiration sweep started", "stale", len(stale), "cutoff", cutoff)

	expired := 0
	for _, order := range stale {
		cancelled, err := e.store.CloseOrder(ctx, order.ID, model.StatusCancelled, e.now().UTC())
		if errors.Is(err, store.ErrOrderClosed) {
			continue // filled or cancelled since the scan
		}
		if err != nil {
			slog.Error("order expiration failed", "order", order.ID, "err", err)
			continue
		}

		expired++
		metrics.OrdersExpired.Inc()
		e.notifier.Publish(notify.Event{
			Type:      notify.EventOrderCancelled,
			AccountID: cancelled.AccountID,
			OrderID:   cancelled.ID,
			Symbol:    cancelled.Symbol,
			Side:      cancelled.Side,
			Quantity:  cancelled.RemainingQuantity(),
			At:        cancelled.CancelTime,
		})
	}

	slog.Info("expiration sweep finished", "expired", expired, "stale", len(stale))
	return nil
}

// CatchUpOnStartup expires orders left open while the process was down,
// using start-of-today as the cutoff so multi-day downtime is covered.
// Trading days are UTC days; orders carry UTC createdAt timestamps, so the
// cutoff is the UTC day boundary whatever zone the host clock reports.
func (e *Expirer) CatchUpOnStartup(ctx context.Context) error {
	now := e.now().UTC()
	y, m, d := now.Date()
	startOfToday := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return e.ExpireStaleOrders(ctx, startOfToday)
}

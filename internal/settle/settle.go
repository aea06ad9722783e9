// Package settle implements T+3 settlement of sell proceeds: the
// business-day date arithmetic at fill time and the idempotent daily sweep
// that releases matured entries into withdrawable cash.
package settle

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

// AddBusinessDays advances date by n business days, skipping Saturday and
// Sunday. No holiday calendar: a Friday trade settles the following
// Wednesday under T+3.
func AddBusinessDays(date time.Time, n int) time.Time {
	added := 0
	for added < n {
		date = date.AddDate(0, 0, 1)
		if wd := date.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return date
}

// Scheduler runs the daily settlement release sweep.
type Scheduler struct {
	store    store.Store
	notifier notify.Notifier
	running  sync.Mutex // guards against self-overlap
}

// NewScheduler creates a settlement scheduler. notifier may be nil.
func NewScheduler(st store.Store, notifier notify.Notifier) *Scheduler {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Scheduler{store: st, notifier: notifier}
}

// RunDailySettlement releases every PENDING settlement entry whose
// settlementDate is on or before today. Idempotent: completed entries are
// excluded by the status filter, so a re-run for the same day is a no-op.
// If a prior run is still in flight the call is skipped.
func (s *Scheduler) RunDailySettlement(ctx context.Context, today time.Time) error {
	if !s.running.TryLock() {
		slog.Warn("settlement sweep already running, skipping")
		return nil
	}
	defer s.running.Unlock()

	// Settlement dates are stamped as UTC midnights. Normalize the caller's
	// civil date to the same form so a zone-carrying today (local midnight
	// in a zone ahead of UTC) cannot defer a due entry to the next run.
	y, m, d := today.Date()
	today = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	due, err := s.store.ListDueSettlements(ctx, today)
	if err != nil {
		return fmt.Errorf("list due settlements: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	slog.Info("settlement sweep started", "due", len(due), "day", today.Format("2006-01-02"))

	released := 0
	for _, entry := range due {
		e, err := s.store.ReleaseSettlement(ctx, entry.ID)
		if errors.Is(err, store.ErrAlreadySettled) {
			continue // raced with a concurrent run; nothing to do
		}
		if errors.Is(err, model.ErrInvariantViolation) {
			slog.Error("settlement release violated ledger invariant",
				"entry", entry.ID, "account", entry.AccountID, "err", err)
			continue
		}
		if err != nil {
			// Leave the entry PENDING; the next sweep retries it.
			slog.Error("settlement release failed", "entry", entry.ID, "err", err)
			continue
		}

		released++
		metrics.SettlementsReleased.Inc()
		s.notifier.Publish(notify.Event{
			Type:           notify.EventSettlementReleased,
			AccountID:      e.AccountID,
			Amount:         e.SettlementAmount,
			SettlementDate: e.SettlementDate,
			At:             today,
		})
	}

	slog.Info("settlement sweep finished", "released", released, "due", len(due))
	return nil
}

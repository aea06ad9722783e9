package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/papersim/brokerage/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). A single
// mutex makes every multi-row mutation atomic by construction.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account     // by account ID
	byUser      map[string]string             // user ID → account ID
	balances    map[string]*model.CashBalance // by account ID
	positions   map[string]*model.Position    // by account ID + "/" + symbol
	orders      map[string]*model.Order       // by order ID
	trades      []model.TradeRecord
	settlements map[string]*model.SettlementEntry // by entry ID
	ticks       map[string]model.Tick             // by symbol

	// failNextFill simulates a transient persistence failure in tests.
	failNextFill error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		byUser:      make(map[string]string),
		balances:    make(map[string]*model.CashBalance),
		positions:   make(map[string]*model.Position),
		orders:      make(map[string]*model.Order),
		settlements: make(map[string]*model.SettlementEntry),
		ticks:       make(map[string]model.Tick),
	}
}

// FailNextFill makes the next ApplyFill return err without applying
// anything. Test hook for transient-persistence-failure semantics.
func (s *MemoryStore) FailNextFill(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextFill = err
}

func posKey(accountID, symbol string) string { return accountID + "/" + symbol }

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account, bal *model.CashBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUser[acct.UserID]; ok {
		return ErrAccountExists
	}
	a := *acct
	b := *bal
	s.accounts[acct.ID] = &a
	s.byUser[acct.UserID] = acct.ID
	s.balances[acct.ID] = &b
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAccountByUser(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.accounts[id]
	return &cp, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, accountID string) (*model.CashBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(accountID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrdersByAccount(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListOpenOrdersBySymbol(_ context.Context, symbol string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Symbol == symbol && o.Status.Open() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListOpenOrdersByAccount(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Status.Open() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOpenOrdersBefore(_ context.Context, cutoff time.Time) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status.Open() && o.CreatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) CloseOrder(_ context.Context, orderID string, status model.OrderStatus, at time.Time) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if !o.Status.Open() {
		return nil, ErrOrderClosed
	}
	o.Status = status
	o.CancelTime = at
	cp := *o
	return &cp, nil
}

// ApplyFill applies the whole fill under one lock hold: either every
// mutation lands or none does.
func (s *MemoryStore) ApplyFill(_ context.Context, f *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextFill != nil {
		err := s.failNextFill
		s.failNextFill = nil
		return err
	}

	stored, ok := s.orders[f.Order.ID]
	if !ok {
		return ErrNotFound
	}
	if !stored.Status.Open() {
		return ErrOrderClosed
	}

	bal, ok := s.balances[f.Order.AccountID]
	if !ok {
		return ErrNotFound
	}

	// Work on copies so a failed invariant leaves live state untouched.
	newBal := *bal
	key := posKey(f.Order.AccountID, f.Order.Symbol)
	var newPos model.Position
	if p, ok := s.positions[key]; ok {
		newPos = *p
	} else {
		newPos = model.Position{AccountID: f.Order.AccountID, Symbol: f.Order.Symbol}
	}

	if f.Order.Side == model.SideBuy {
		if err := newBal.DebitAvailable(f.Trade.Amount.Add(f.Trade.Commission)); err != nil {
			return err
		}
		newPos.ApplyBuy(f.Trade.Quantity, f.Trade.Price)
	} else {
		if err := newPos.ApplySell(f.Trade.Quantity); err != nil {
			return err
		}
		newBal.CreditPendingSettlement(f.Trade.Amount.Sub(f.Trade.Commission))
	}

	// Commit.
	newBal.UpdatedAt = f.Trade.ExecutedAt
	newPos.UpdatedAt = f.Trade.ExecutedAt
	*bal = newBal
	if newPos.Quantity == 0 {
		delete(s.positions, key)
	} else {
		cp := newPos
		s.positions[key] = &cp
	}

	*stored = *f.Order

	f.Trade.CashAfter = newBal.AvailableCash
	f.Trade.PositionQtyAfter = newPos.Quantity
	s.trades = append(s.trades, *f.Trade)

	if f.Settlement != nil {
		cp := *f.Settlement
		s.settlements[f.Settlement.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, accountID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].AccountID == accountID {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDueSettlements(_ context.Context, day time.Time) ([]model.SettlementEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementEntry
	for _, e := range s.settlements {
		if e.Status == model.SettlementPending && !e.SettlementDate.After(day) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettlementDate.Before(out[j].SettlementDate) })
	return out, nil
}

func (s *MemoryStore) ListSettlementsByAccount(_ context.Context, accountID string) ([]model.SettlementEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementEntry
	for _, e := range s.settlements {
		if e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ReleaseSettlement(_ context.Context, entryID string) (*model.SettlementEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.settlements[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != model.SettlementPending {
		return nil, ErrAlreadySettled
	}
	bal, ok := s.balances[e.AccountID]
	if !ok {
		return nil, ErrNotFound
	}

	newBal := *bal
	if err := newBal.ReleaseSettled(e.SettlementAmount); err != nil {
		return nil, err
	}
	*bal = newBal
	e.Status = model.SettlementCompleted
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) UpsertTick(_ context.Context, t model.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[t.Symbol] = t
	return nil
}

func (s *MemoryStore) LatestTick(_ context.Context, symbol string) (*model.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.ticks[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

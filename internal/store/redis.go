package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papersim/brokerage/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: balances, positions, and latest ticks.
// Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func balanceKey(accountID string) string   { return fmt.Sprintf("balance:%s", accountID) }
func positionsKey(accountID string) string { return fmt.Sprintf("positions:%s", accountID) }
func tickKey(symbol string) string         { return fmt.Sprintf("tick:%s", symbol) }

func (s *CachedStore) invalidateAccount(ctx context.Context, accountID string) {
	s.rdb.Del(ctx, balanceKey(accountID), positionsKey(accountID))
}

// --- Read-through ---

func (s *CachedStore) GetBalance(ctx context.Context, accountID string) (*model.CashBalance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(accountID)).Bytes()
	if err == nil {
		var b model.CashBalance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(accountID), data, s.ttl)
	}
	return b, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) LatestTick(ctx context.Context, symbol string) (*model.Tick, error) {
	data, err := s.rdb.Get(ctx, tickKey(symbol)).Bytes()
	if err == nil {
		var t model.Tick
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.LatestTick(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, tickKey(symbol), data, s.ttl)
	}
	return t, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyFill(ctx context.Context, f *model.Fill) error {
	if err := s.primary.ApplyFill(ctx, f); err != nil {
		return err
	}
	s.invalidateAccount(ctx, f.Order.AccountID)
	return nil
}

func (s *CachedStore) ReleaseSettlement(ctx context.Context, entryID string) (*model.SettlementEntry, error) {
	e, err := s.primary.ReleaseSettlement(ctx, entryID)
	if err != nil {
		return nil, err
	}
	s.invalidateAccount(ctx, e.AccountID)
	return e, nil
}

func (s *CachedStore) UpsertTick(ctx context.Context, t model.Tick) error {
	if err := s.primary.UpsertTick(ctx, t); err != nil {
		return err
	}
	if data, err := json.Marshal(&t); err == nil {
		s.rdb.Set(ctx, tickKey(t.Symbol), data, s.ttl)
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account, bal *model.CashBalance) error {
	return s.primary.CreateAccount(ctx, acct, bal)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccountByUser(ctx, userID)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, symbol)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.ListOrdersByAccount(ctx, accountID)
}

func (s *CachedStore) ListOpenOrdersBySymbol(ctx context.Context, symbol string) ([]model.Order, error) {
	return s.primary.ListOpenOrdersBySymbol(ctx, symbol)
}

func (s *CachedStore) ListOpenOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.ListOpenOrdersByAccount(ctx, accountID)
}

func (s *CachedStore) ListOpenOrdersBefore(ctx context.Context, cutoff time.Time) ([]model.Order, error) {
	return s.primary.ListOpenOrdersBefore(ctx, cutoff)
}

func (s *CachedStore) CloseOrder(ctx context.Context, orderID string, status model.OrderStatus, at time.Time) (*model.Order, error) {
	return s.primary.CloseOrder(ctx, orderID, status, at)
}

func (s *CachedStore) ListTrades(ctx context.Context, accountID string) ([]model.TradeRecord, error) {
	return s.primary.ListTrades(ctx, accountID)
}

func (s *CachedStore) ListDueSettlements(ctx context.Context, day time.Time) ([]model.SettlementEntry, error) {
	return s.primary.ListDueSettlements(ctx, day)
}

func (s *CachedStore) ListSettlementsByAccount(ctx context.Context, accountID string) ([]model.SettlementEntry, error) {
	return s.primary.ListSettlementsByAccount(ctx, accountID)
}

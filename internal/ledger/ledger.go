// Package ledger owns order admission and account provisioning. Admission
// validates and persists a new order; no cash or position is mutated until
// the matching engine fills it, so a rejected order has no side effects.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/metrics"
	"github.com/papersim/brokerage/internal/model"
	"github.com/papersim/brokerage/internal/notify"
	"github.com/papersim/brokerage/internal/store"
)

// Service handles account provisioning, order admission, and cancellation.
type Service struct {
	store       store.Store
	fees        model.FeeSchedule
	notifier    notify.Notifier
	initialCash decimal.Decimal
	now         func() time.Time
}

// NewService creates a ledger service. notifier may be nil.
func NewService(st store.Store, fees model.FeeSchedule, notifier notify.Notifier, initialCash decimal.Decimal) *Service {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Service{
		store:       st,
		fees:        fees,
		notifier:    notifier,
		initialCash: initialCash,
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ProvisionAccount creates the user's account with its seeded opening
// balance. A second call for the same user returns the existing account.
func (s *Service) ProvisionAccount(ctx context.Context, userID, name string) (*model.Account, error) {
	if existing, err := s.store.GetAccountByUser(ctx, userID); err == nil {
		return existing, nil
	}

	acct := &model.Account{
		ID:            uuid.New().String(),
		UserID:        userID,
		AccountNumber: generateAccountNumber(userID),
		Name:          name,
		CreatedAt:     s.now().UTC(),
	}
	bal := &model.CashBalance{
		AccountID:             acct.ID,
		AvailableCash:         s.initialCash,
		PendingSettlementCash: decimal.Zero,
		WithdrawableCash:      decimal.Zero,
		FrozenCash:            decimal.Zero,
		UpdatedAt:             acct.CreatedAt,
	}

	if err := s.store.CreateAccount(ctx, acct, bal); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			return s.store.GetAccountByUser(ctx, userID)
		}
		return nil, fmt.Errorf("provision account: %w", err)
	}

	slog.Info("account provisioned",
		"account", acct.ID,
		"user", userID,
		"number", acct.AccountNumber,
		"opening_cash", s.initialCash.String(),
	)
	return acct, nil
}

// PlaceOrderRequest carries the admission parameters.
type PlaceOrderRequest struct {
	AccountID  string
	Symbol     string
	Side       model.OrderSide
	Method     model.OrderMethod
	Quantity   int64
	LimitPrice decimal.Decimal
}

// PlaceOrder validates and persists a new order with status PENDING.
// BUY requires availableCash to cover the estimated amount plus commission;
// SELL requires sellable holdings net of quantity already committed to
// other open sell orders. Funds are checked, not reserved — the fill is
// the single irreversible mutation.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, ErrInvalidSymbol
	}
	if req.Method == model.MethodLimit && !req.LimitPrice.IsPositive() {
		return nil, ErrInvalidPrice
	}

	acct, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account %s: %w", req.AccountID, err)
	}

	switch req.Side {
	case model.SideBuy:
		if err := s.checkFunds(ctx, acct.ID, req); err != nil {
			return nil, err
		}
	case model.SideSell:
		if err := s.checkHoldings(ctx, acct.ID, req.Symbol, req.Quantity); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown order side %q", req.Side)
	}

	limitPrice := req.LimitPrice
	if req.Method == model.MethodMarket {
		limitPrice = decimal.Zero
	}
	order := &model.Order{
		ID:         uuid.New().String(),
		AccountID:  acct.ID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Method:     req.Method,
		LimitPrice: limitPrice,
		Quantity:   req.Quantity,
		FillPrice:  decimal.Zero,
		Status:     model.StatusPending,
		CreatedAt:  s.now().UTC(),
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(req.Side)).Inc()

	slog.Info("order admitted",
		"order", order.ID,
		"account", acct.ID,
		"symbol", order.Symbol,
		"side", string(order.Side),
		"method", string(order.Method),
		"quantity", order.Quantity,
		"limit_price", order.LimitPrice.String(),
	)
	return order, nil
}

// checkFunds estimates the buy cost at the limit price (or latest tick for
// market orders) plus commission and compares against availableCash.
func (s *Service) checkFunds(ctx context.Context, accountID string, req PlaceOrderRequest) error {
	price := req.LimitPrice
	if req.Method == model.MethodMarket {
		tick, err := s.store.LatestTick(ctx, req.Symbol)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNoMarketPrice, req.Symbol)
		}
		price = tick.Price
	}

	amount := price.Mul(decimal.NewFromInt(req.Quantity))
	required := amount.Add(s.fees.Commission(amount))

	bal, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	if bal.AvailableCash.LessThan(required) {
		metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, required, bal.AvailableCash)
	}
	return nil
}

// checkHoldings verifies sellable quantity: held quantity minus the
// remaining quantity of the account's other open sell orders for the
// same symbol.
func (s *Service) checkHoldings(ctx context.Context, accountID, symbol string, quantity int64) error {
	pos, err := s.store.GetPosition(ctx, accountID, symbol)
	if errors.Is(err, store.ErrNotFound) {
		metrics.OrdersRejected.WithLabelValues("insufficient_holdings").Inc()
		return fmt.Errorf("%w: no position in %s", ErrInsufficientHoldings, symbol)
	}
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}

	open, err := s.store.ListOpenOrdersByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	var reserved int64
	for _, o := range open {
		if o.Side == model.SideSell && o.Symbol == symbol {
			reserved += o.RemainingQuantity()
		}
	}

	available := pos.Quantity - reserved
	if available < quantity {
		metrics.OrdersRejected.WithLabelValues("insufficient_holdings").Inc()
		return fmt.Errorf("%w: requested %d, sellable %d", ErrInsufficientHoldings, quantity, available)
	}
	return nil
}

// CancelOrder transitions an open order to CANCELLED. Only the owning
// account may cancel; terminal orders return ErrOrderNotCancellable.
func (s *Service) CancelOrder(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.AccountID != accountID {
		return nil, ErrForbidden
	}

	cancelled, err := s.store.CloseOrder(ctx, orderID, model.StatusCancelled, s.now().UTC())
	if errors.Is(err, store.ErrOrderClosed) {
		return nil, ErrOrderNotCancellable
	}
	if err != nil {
		return nil, err
	}

	s.notifier.Publish(notify.Event{
		Type:      notify.EventOrderCancelled,
		AccountID: cancelled.AccountID,
		OrderID:   cancelled.ID,
		Symbol:    cancelled.Symbol,
		Side:      cancelled.Side,
		Quantity:  cancelled.RemainingQuantity(),
		At:        cancelled.CancelTime,
	})

	slog.Info("order cancelled", "order", orderID, "account", accountID)
	return cancelled, nil
}

// GetOrder returns an order, enforcing ownership.
func (s *Service) GetOrder(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.AccountID != accountID {
		return nil, ErrForbidden
	}
	return order, nil
}

// ListOrders returns the account's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.store.ListOrdersByAccount(ctx, accountID)
}

// generateAccountNumber builds "SIM" + last 8 hex chars of the user ID +
// a 4-digit random suffix.
func generateAccountNumber(userID string) string {
	compact := strings.ToUpper(strings.ReplaceAll(userID, "-", ""))
	if len(compact) > 8 {
		compact = compact[len(compact)-8:]
	}
	return fmt.Sprintf("SIM%s%04d", compact, 1000+rand.Intn(9000))
}

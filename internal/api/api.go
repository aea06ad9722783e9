// Package api provides the HTTP surface of the brokerage engine: account
// provisioning, order placement/cancellation, portfolio and settlement
// queries, and development tick injection.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/ledger"
	"github.com/papersim/brokerage/internal/match"
	"github.com/papersim/brokerage/internal/model"
	"github.com/papersim/brokerage/internal/store"
)

// Server bundles the handlers with their collaborators.
type Server struct {
	ledger *ledger.Service
	engine *match.Engine
	store  store.Store
}

// NewServer creates the HTTP server facade.
func NewServer(ledgerSvc *ledger.Service, engine *match.Engine, st store.Store) *Server {
	return &Server{ledger: ledgerSvc, engine: engine, store: st}
}

// Routes mounts all handlers onto the given router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}/balance", s.GetBalance)
	r.Get("/accounts/{accountID}/portfolio", s.GetPortfolio)
	r.Get("/accounts/{accountID}/orders", s.ListOrders)
	r.Get("/accounts/{accountID}/trades", s.ListTrades)
	r.Get("/accounts/{accountID}/settlements", s.ListSettlements)

	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Post("/ticks", s.InjectTick)
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for account provisioning.
type CreateAccountRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`   // "BUY" or "SELL"
	Method     string          `json:"method"` // "LIMIT" or "MARKET"
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// TickRequest is the JSON body for POST /ticks.
type TickRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// PortfolioPosition is one holding enriched with the latest tick.
type PortfolioPosition struct {
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	ProfitLoss   decimal.Decimal `json:"profit_loss"`
}

// PortfolioResponse is the full account view: cash buckets plus holdings.
type PortfolioResponse struct {
	AccountID             string              `json:"account_id"`
	AvailableCash         decimal.Decimal     `json:"available_cash"`
	PendingSettlementCash decimal.Decimal     `json:"pending_settlement_cash"`
	WithdrawableCash      decimal.Decimal     `json:"withdrawable_cash"`
	FrozenCash            decimal.Decimal     `json:"frozen_cash"`
	TotalPositionValue    decimal.Decimal     `json:"total_position_value"`
	TotalBalance          decimal.Decimal     `json:"total_balance"`
	Positions             []PortfolioPosition `json:"positions"`
}

// --- Handlers ---

// CreateAccount handles POST /api/v1/accounts.
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	acct, err := s.ledger.ProvisionAccount(r.Context(), req.UserID, req.Name)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetBalance handles GET /api/v1/accounts/{accountID}/balance.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	bal, err := s.store.GetBalance(r.Context(), accountID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio.
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	ctx := r.Context()

	bal, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	resp := PortfolioResponse{
		AccountID:             accountID,
		AvailableCash:         bal.AvailableCash,
		PendingSettlementCash: bal.PendingSettlementCash,
		WithdrawableCash:      bal.WithdrawableCash,
		FrozenCash:            bal.FrozenCash,
		Positions:             []PortfolioPosition{},
	}

	totalValue := decimal.Zero
	for _, p := range positions {
		pp := PortfolioPosition{
			Symbol:    p.Symbol,
			Quantity:  p.Quantity,
			AvgCost:   p.AvgCost,
			TotalCost: p.TotalCost,
		}
		// Mark to the latest tick when one exists; fall back to cost.
		if tick, err := s.store.LatestTick(ctx, p.Symbol); err == nil {
			pp.CurrentPrice = tick.Price
			pp.MarketValue = p.MarketValue(tick.Price)
		} else {
			pp.CurrentPrice = p.AvgCost
			pp.MarketValue = p.TotalCost
		}
		pp.ProfitLoss = pp.MarketValue.Sub(p.TotalCost)
		totalValue = totalValue.Add(pp.MarketValue)
		resp.Positions = append(resp.Positions, pp)
	}

	resp.TotalPositionValue = totalValue
	resp.TotalBalance = bal.TotalCash().Add(totalValue)
	writeJSON(w, http.StatusOK, resp)
}

// PlaceOrder handles POST /api/v1/orders.
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	side := model.OrderSide(req.Side)
	if side != model.SideBuy && side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	method := model.OrderMethod(req.Method)
	if method == "" {
		method = model.MethodLimit
	}
	if method != model.MethodLimit && method != model.MethodMarket {
		writeError(w, "method must be LIMIT or MARKET", http.StatusBadRequest)
		return
	}

	order, err := s.ledger.PlaceOrder(r.Context(), ledger.PlaceOrderRequest{
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Side:       side,
		Method:     method,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /api/v1/orders/{orderID}?account_id=...
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	accountID := r.URL.Query().Get("account_id")

	order, err := s.ledger.GetOrder(r.Context(), accountID, orderID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders handles GET /api/v1/accounts/{accountID}/orders.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	orders, err := s.ledger.ListOrders(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?account_id=...
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	accountID := r.URL.Query().Get("account_id")

	order, err := s.ledger.CancelOrder(r.Context(), accountID, orderID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListTrades handles GET /api/v1/accounts/{accountID}/trades.
func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	trades, err := s.store.ListTrades(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListSettlements handles GET /api/v1/accounts/{accountID}/settlements.
func (s *Server) ListSettlements(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	entries, err := s.store.ListSettlementsByAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to list settlements", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.SettlementEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// InjectTick handles POST /api/v1/ticks: records the tick and runs the
// matching engine synchronously. Development/admin path; production ticks
// arrive through the feed subscription.
func (s *Server) InjectTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" || !req.Price.IsPositive() {
		writeError(w, "symbol and positive price are required", http.StatusBadRequest)
		return
	}

	s.engine.OnPriceTick(r.Context(), model.Tick{
		Symbol:    req.Symbol,
		Price:     req.Price,
		Timestamp: time.Now().UTC(),
	})
	w.WriteHeader(http.StatusAccepted)
}

// --- Helpers ---

// writeLedgerError maps domain errors onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrInvalidSymbol),
		errors.Is(err, ledger.ErrNoMarketPrice):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientHoldings),
		errors.Is(err, ledger.ErrOrderNotCancellable):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

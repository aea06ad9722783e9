package match_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/ledger"
	"github.com/papersim/brokerage/internal/match"
	"github.com/papersim/brokerage/internal/model"
	"github.com/papersim/brokerage/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tick(symbol, price string) model.Tick {
	return model.Tick{Symbol: symbol, Price: d(price), Timestamp: time.Now().UTC()}
}

// newTestEnv wires a memory store, a ledger service seeded with the given
// opening cash, and a matching engine with T+3 settlement.
func newTestEnv(t *testing.T, openingCash string) (*ledger.Service, *match.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, model.DefaultFees(), nil, d(openingCash))
	engine := match.NewEngine(ms, model.DefaultFees(), nil, 3)
	return svc, engine, ms
}

func provision(t *testing.T, svc *ledger.Service, userID string) string {
	t.Helper()
	acct, err := svc.ProvisionAccount(context.Background(), userID, "Test User")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return acct.ID
}

func place(t *testing.T, svc *ledger.Service, req ledger.PlaceOrderRequest) *model.Order {
	t.Helper()
	order, err := svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return order
}

func TestBuyFillDebitsCashAndOpensPosition(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "1000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	order := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 10, LimitPrice: d("50000"),
	})

	engine.OnPriceTick(ctx, tick("HYNX", "50000"))

	got, err := ms.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != model.StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	if got.FilledQuantity != 10 || !got.FillPrice.Equal(d("50000")) {
		t.Errorf("fill = %d @ %s, want 10 @ 50000", got.FilledQuantity, got.FillPrice)
	}
	if got.FilledAt.IsZero() {
		t.Error("filledAt not stamped")
	}

	// 1,000,000 − 500,000 − commission max(100, 500000×0.00015)=100.
	bal, _ := ms.GetBalance(ctx, acctID)
	if !bal.AvailableCash.Equal(d("499900")) {
		t.Errorf("available = %s, want 499900", bal.AvailableCash)
	}

	pos, err := ms.GetPosition(ctx, acctID, "HYNX")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Quantity != 10 || !pos.AvgCost.Equal(d("50000")) {
		t.Errorf("position = %d @ %s, want 10 @ 50000", pos.Quantity, pos.AvgCost)
	}

	trades, _ := ms.ListTrades(ctx, acctID)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if !trades[0].Commission.Equal(d("100")) {
		t.Errorf("commission = %s, want 100", trades[0].Commission)
	}
	if !trades[0].CashAfter.Equal(d("499900")) {
		t.Errorf("cash_after = %s, want 499900", trades[0].CashAfter)
	}
}

func TestLimitBuyIgnoresTickAboveLimit(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "1000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	order := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 10, LimitPrice: d("50000"),
	})

	engine.OnPriceTick(ctx, tick("HYNX", "50001"))

	got, _ := ms.GetOrder(ctx, order.ID)
	if got.Status != model.StatusPending {
		t.Fatalf("status = %s, want PENDING after non-crossing tick", got.Status)
	}

	// The crossing tick fills it.
	engine.OnPriceTick(ctx, tick("HYNX", "49500"))
	got, _ = ms.GetOrder(ctx, order.ID)
	if got.Status != model.StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	if !got.FillPrice.Equal(d("49500")) {
		t.Errorf("fill price = %s, want tick price 49500", got.FillPrice)
	}
}

func TestSellFillCreditsPendingSettlementOnly(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "1000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 10, LimitPrice: d("50000"),
	})
	engine.OnPriceTick(ctx, tick("HYNX", "50000"))

	availableAfterBuy, _ := ms.GetBalance(ctx, acctID)

	place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideSell,
		Method: model.MethodLimit, Quantity: 10, LimitPrice: d("52000"),
	})
	engine.OnPriceTick(ctx, tick("HYNX", "52000"))

	bal, _ := ms.GetBalance(ctx, acctID)
	// Proceeds 520,000 − commission 100 land in the pending bucket.
	if !bal.PendingSettlementCash.Equal(d("519900")) {
		t.Errorf("pending = %s, want 519900", bal.PendingSettlementCash)
	}
	// Available cash is untouched by the sell.
	if !bal.AvailableCash.Equal(availableAfterBuy.AvailableCash) {
		t.Errorf("available changed on sell: %s → %s", availableAfterBuy.AvailableCash, bal.AvailableCash)
	}

	// Position fully sold → row gone.
	if _, err := ms.GetPosition(ctx, acctID, "HYNX"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("flat position should be deleted, got err %v", err)
	}

	// Settlement entry at T+3 business days.
	entries, _ := ms.ListSettlementsByAccount(ctx, acctID)
	if len(entries) != 1 {
		t.Fatalf("settlement entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Status != model.SettlementPending {
		t.Errorf("entry status = %s, want PENDING", e.Status)
	}
	if !e.SettlementAmount.Equal(d("519900")) {
		t.Errorf("settlement amount = %s, want 519900", e.SettlementAmount)
	}
	wantBizDays := 0
	for cur := e.TradeDate; cur.Before(e.SettlementDate); {
		cur = cur.AddDate(0, 0, 1)
		if wd := cur.Weekday(); wd != time.Saturday && wd != time.Sunday {
			wantBizDays++
		}
	}
	if wantBizDays != 3 {
		t.Errorf("settlement date %s is %d business days after trade date %s, want 3",
			e.SettlementDate.Format("2006-01-02"), wantBizDays, e.TradeDate.Format("2006-01-02"))
	}
}

func TestMarketOrderFillsAtAnyTick(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "10000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	// Market buy needs a reference price at admission.
	engine.OnPriceTick(ctx, tick("HYNX", "50000"))

	order := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodMarket, Quantity: 5,
	})

	engine.OnPriceTick(ctx, tick("HYNX", "61000"))

	got, _ := ms.GetOrder(ctx, order.ID)
	if got.Status != model.StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
	if !got.FillPrice.Equal(d("61000")) {
		t.Errorf("market order fills at tick price, got %s", got.FillPrice)
	}
}

func TestTransientFillFailureLeavesOrderOpen(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "1000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	order := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 10, LimitPrice: d("50000"),
	})

	ms.FailNextFill(errors.New("connection reset"))
	engine.OnPriceTick(ctx, tick("HYNX", "50000"))

	got, _ := ms.GetOrder(ctx, order.ID)
	if got.Status != model.StatusPending {
		t.Fatalf("status = %s, want PENDING after failed persist", got.Status)
	}
	bal, _ := ms.GetBalance(ctx, acctID)
	if !bal.AvailableCash.Equal(d("1000000")) {
		t.Errorf("cash mutated by failed fill: %s", bal.AvailableCash)
	}

	// Next tick retries and succeeds.
	engine.OnPriceTick(ctx, tick("HYNX", "50000"))
	got, _ = ms.GetOrder(ctx, order.ID)
	if got.Status != model.StatusFilled {
		t.Fatalf("status = %s, want FILLED on retry", got.Status)
	}
}

func TestFillSkipsOrderClosedSinceScan(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "1000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	order := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 10, LimitPrice: d("50000"),
	})
	if _, err := svc.CancelOrder(ctx, acctID, order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	engine.OnPriceTick(ctx, tick("HYNX", "50000"))

	got, _ := ms.GetOrder(ctx, order.ID)
	if got.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED preserved", got.Status)
	}
	bal, _ := ms.GetBalance(ctx, acctID)
	if !bal.AvailableCash.Equal(d("1000000")) {
		t.Errorf("cancelled order mutated cash: %s", bal.AvailableCash)
	}
}

func TestOverCommittedBuyFailsAtomically(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "1000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	// Two buys each pass admission against the same 1,000,000, but only one
	// can be funded once prices move up.
	o1 := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "AAA", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 10, LimitPrice: d("60000"),
	})
	o2 := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "BBB", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 10, LimitPrice: d("60000"),
	})

	engine.OnPriceTick(ctx, tick("AAA", "60000"))
	engine.OnPriceTick(ctx, tick("BBB", "60000"))

	g1, _ := ms.GetOrder(ctx, o1.ID)
	g2, _ := ms.GetOrder(ctx, o2.ID)
	if g1.Status != model.StatusFilled {
		t.Fatalf("first order = %s, want FILLED", g1.Status)
	}
	// The second fill would drive available cash negative; it is rejected
	// whole and the order stays open.
	if g2.Status != model.StatusPending {
		t.Fatalf("second order = %s, want PENDING", g2.Status)
	}

	bal, _ := ms.GetBalance(ctx, acctID)
	if bal.AvailableCash.IsNegative() {
		t.Errorf("available cash went negative: %s", bal.AvailableCash)
	}
	if _, err := ms.GetPosition(ctx, acctID, "BBB"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed fill must not create a position, err = %v", err)
	}
}

func TestTickFillsMultipleCrossingOrders(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "100000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	o1 := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 5, LimitPrice: d("51000"),
	})
	o2 := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 3, LimitPrice: d("50500"),
	})
	o3 := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 2, LimitPrice: d("49000"),
	})

	engine.OnPriceTick(ctx, tick("HYNX", "50000"))

	for _, tc := range []struct {
		id   string
		want model.OrderStatus
	}{
		{o1.ID, model.StatusFilled},
		{o2.ID, model.StatusFilled},
		{o3.ID, model.StatusPending},
	} {
		got, _ := ms.GetOrder(ctx, tc.id)
		if got.Status != tc.want {
			t.Errorf("order %s = %s, want %s", tc.id, got.Status, tc.want)
		}
	}

	pos, err := ms.GetPosition(ctx, acctID, "HYNX")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.Quantity != 8 {
		t.Errorf("position quantity = %d, want 8", pos.Quantity)
	}
}

func TestIgnoresInvalidTicks(t *testing.T) {
	svc, engine, ms := newTestEnv(t, "1000000")
	acctID := provision(t, svc, "u1")
	ctx := context.Background()

	order := place(t, svc, ledger.PlaceOrderRequest{
		AccountID: acctID, Symbol: "HYNX", Side: model.SideBuy,
		Method: model.MethodLimit, Quantity: 1, LimitPrice: d("50000"),
	})

	engine.OnPriceTick(ctx, model.Tick{Symbol: "HYNX", Price: d("0")})
	engine.OnPriceTick(ctx, model.Tick{Symbol: "", Price: d("100")})

	got, _ := ms.GetOrder(ctx, order.ID)
	if got.Status != model.StatusPending {
		t.Fatalf("invalid tick must not fill, status = %s", got.Status)
	}
}

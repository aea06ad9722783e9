package model_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/papersim/brokerage/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestOrderStatusOpen(t *testing.T) {
	open := []model.OrderStatus{model.StatusPending, model.StatusPartialFilled}
	for _, s := range open {
		if !s.Open() {
			t.Errorf("%s should be open", s)
		}
	}
	terminal := []model.OrderStatus{
		model.StatusFilled, model.StatusCancelled, model.StatusRejected, model.StatusExpired,
	}
	for _, s := range terminal {
		if s.Open() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestOrderCrosses(t *testing.T) {
	tests := []struct {
		name   string
		side   model.OrderSide
		method model.OrderMethod
		limit  string
		tick   string
		want   bool
	}{
		{"market buy always crosses", model.SideBuy, model.MethodMarket, "0", "99999", true},
		{"market sell always crosses", model.SideSell, model.MethodMarket, "0", "0.01", true},
		{"limit buy below limit", model.SideBuy, model.MethodLimit, "50000", "49000", true},
		{"limit buy at limit", model.SideBuy, model.MethodLimit, "50000", "50000", true},
		{"limit buy above limit", model.SideBuy, model.MethodLimit, "50000", "50001", false},
		{"limit sell above limit", model.SideSell, model.MethodLimit, "50000", "51000", true},
		{"limit sell at limit", model.SideSell, model.MethodLimit, "50000", "50000", true},
		{"limit sell below limit", model.SideSell, model.MethodLimit, "50000", "49999", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := model.Order{Side: tt.side, Method: tt.method, LimitPrice: d(tt.limit)}
			if got := o.Crosses(d(tt.tick)); got != tt.want {
				t.Errorf("Crosses(%s) = %v, want %v", tt.tick, got, tt.want)
			}
		})
	}
}

func TestPositionApplyBuyWeightedAverage(t *testing.T) {
	p := model.Position{AccountID: "a1", Symbol: "HYNX"}

	p.ApplyBuy(10, d("50000"))
	if p.Quantity != 10 {
		t.Fatalf("quantity = %d, want 10", p.Quantity)
	}
	if !p.AvgCost.Equal(d("50000")) {
		t.Errorf("avg cost = %s, want 50000", p.AvgCost)
	}

	// 10 @ 50000 + 10 @ 60000 → avg 55000.
	p.ApplyBuy(10, d("60000"))
	if p.Quantity != 20 {
		t.Fatalf("quantity = %d, want 20", p.Quantity)
	}
	if !p.AvgCost.Equal(d("55000")) {
		t.Errorf("avg cost = %s, want 55000", p.AvgCost)
	}
	if !p.TotalCost.Equal(d("1100000")) {
		t.Errorf("total cost = %s, want 1100000", p.TotalCost)
	}
}

func TestPositionApplySell(t *testing.T) {
	p := model.Position{AccountID: "a1", Symbol: "HYNX"}
	p.ApplyBuy(20, d("55000"))

	if err := p.ApplySell(5); err != nil {
		t.Fatalf("ApplySell: %v", err)
	}
	if p.Quantity != 15 {
		t.Errorf("quantity = %d, want 15", p.Quantity)
	}
	// AvgCost unchanged on sells.
	if !p.AvgCost.Equal(d("55000")) {
		t.Errorf("avg cost = %s, want 55000", p.AvgCost)
	}
	if !p.TotalCost.Equal(d("825000")) {
		t.Errorf("total cost = %s, want 825000", p.TotalCost)
	}

	if err := p.ApplySell(15); err != nil {
		t.Fatalf("ApplySell to zero: %v", err)
	}
	if p.Quantity != 0 || !p.TotalCost.IsZero() {
		t.Errorf("flat position should have zero quantity and cost, got %d / %s", p.Quantity, p.TotalCost)
	}
}

func TestPositionApplySellOversoldIsInvariantViolation(t *testing.T) {
	p := model.Position{AccountID: "a1", Symbol: "HYNX"}
	p.ApplyBuy(5, d("100"))

	err := p.ApplySell(6)
	if !errors.Is(err, model.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	// State untouched on failure.
	if p.Quantity != 5 {
		t.Errorf("quantity mutated on failed sell: %d", p.Quantity)
	}
}

func TestDebitAvailableRefusesNegative(t *testing.T) {
	b := model.CashBalance{AvailableCash: d("100")}

	if err := b.DebitAvailable(d("100")); err != nil {
		t.Fatalf("exact debit should pass: %v", err)
	}
	if !b.AvailableCash.IsZero() {
		t.Errorf("available = %s, want 0", b.AvailableCash)
	}

	err := b.DebitAvailable(d("0.01"))
	if !errors.Is(err, model.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestReleaseSettledMovesBuckets(t *testing.T) {
	b := model.CashBalance{PendingSettlementCash: d("1000")}

	if err := b.ReleaseSettled(d("600")); err != nil {
		t.Fatalf("ReleaseSettled: %v", err)
	}
	if !b.PendingSettlementCash.Equal(d("400")) {
		t.Errorf("pending = %s, want 400", b.PendingSettlementCash)
	}
	if !b.WithdrawableCash.Equal(d("600")) {
		t.Errorf("withdrawable = %s, want 600", b.WithdrawableCash)
	}

	if err := b.ReleaseSettled(d("500")); !errors.Is(err, model.ErrInvariantViolation) {
		t.Fatalf("over-release should be an invariant violation, got %v", err)
	}
}

func TestTotalCash(t *testing.T) {
	b := model.CashBalance{
		AvailableCash:         d("100"),
		PendingSettlementCash: d("20"),
		WithdrawableCash:      d("30"),
		FrozenCash:            d("5"),
	}
	if !b.TotalCash().Equal(d("155")) {
		t.Errorf("total = %s, want 155", b.TotalCash())
	}
}

func TestCommission(t *testing.T) {
	fees := model.DefaultFees()

	// 0.00015 × 10,000,000 = 1500 > minimum.
	if got := fees.Commission(d("10000000")); !got.Equal(d("1500")) {
		t.Errorf("commission = %s, want 1500", got)
	}
	// 0.00015 × 100,000 = 15 → floor at 100.
	if got := fees.Commission(d("100000")); !got.Equal(d("100")) {
		t.Errorf("commission = %s, want minimum 100", got)
	}
	// Zero amount still pays the minimum.
	if got := fees.Commission(d("0")); !got.Equal(d("100")) {
		t.Errorf("commission = %s, want minimum 100", got)
	}
}

func TestRemainingQuantity(t *testing.T) {
	o := model.Order{Quantity: 10, FilledQuantity: 4}
	if got := o.RemainingQuantity(); got != 6 {
		t.Errorf("remaining = %d, want 6", got)
	}
}

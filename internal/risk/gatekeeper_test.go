package risk

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/tbaxter/fopbot/internal/models"
)

var (
	testNow    = time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC)
	testExpiry = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	testLogger = log.New(io.Discard, "", 0)
)

func testLimits() Limits {
	return Limits{
		MaxPositions:       2,
		MaxRiskPerTrade:    500,
		DailyLossCap:       150,
		ProfitTarget:       0.50,
		StopLossMult:       1.5,
		DTEExit:            1,
		TrailingActivation: 0.30,
		TrailingStep:       0.10,
	}
}

func testProposal() *models.StrategyProposal {
	return &models.StrategyProposal{
		Kind:   models.KindIronCondor,
		Symbol: "MES",
		Legs: []models.Leg{
			{Strike: 5100, Expiry: testExpiry, Right: models.RightCall, Action: models.ActionSell, Quantity: 1},
			{Strike: 5150, Expiry: testExpiry, Right: models.RightCall, Action: models.ActionBuy, Quantity: 1},
			{Strike: 4900, Expiry: testExpiry, Right: models.RightPut, Action: models.ActionSell, Quantity: 1},
			{Strike: 4850, Expiry: testExpiry, Right: models.RightPut, Action: models.ActionBuy, Quantity: 1},
		},
		Expiry:     testExpiry,
		NetCredit:  2.30,
		MaxLoss:    47.70,
		MaxProfit:  2.30,
		Quantity:   2, // 47.70 x 5 x 2 = $477 max loss
		Multiplier: 5,
		SpotPrice:  5000,
	}
}

func rejectionReason(t *testing.T, err error) Reason {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("want *Rejection, got %v", err)
	}
	return rej.Reason
}

func TestApproveReservesSlot(t *testing.T) {
	acct := NewAccount(10000)
	g := NewGatekeeper(testLimits(), acct, testLogger)

	if err := g.Approve(testProposal(), nil, testNow); err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if got := acct.Snapshot(testNow).OpenSlots; got != 1 {
		t.Errorf("open slots = %d, want 1", got)
	}
}

func TestApproveMaxPositions(t *testing.T) {
	acct := NewAccount(10000)
	g := NewGatekeeper(testLimits(), acct, testLogger)

	for i := 0; i < 2; i++ {
		if err := g.Approve(testProposal(), nil, testNow); err != nil {
			t.Fatalf("Approve() %d error: %v", i, err)
		}
	}
	err := g.Approve(testProposal(), nil, testNow)
	if got := rejectionReason(t, err); got != ReasonMaxPositions {
		t.Errorf("reason = %s, want %s", got, ReasonMaxPositions)
	}

	// A released slot frees capacity again.
	acct.ReleaseSlot()
	if err := g.Approve(testProposal(), nil, testNow); err != nil {
		t.Fatalf("Approve() after release: %v", err)
	}
}

func TestApproveDailyLossCap(t *testing.T) {
	acct := NewAccount(10000)
	acct.PostRealized(-200, testNow)
	g := NewGatekeeper(testLimits(), acct, testLogger)

	err := g.Approve(testProposal(), nil, testNow)
	if got := rejectionReason(t, err); got != ReasonDailyLoss {
		t.Errorf("reason = %s, want %s", got, ReasonDailyLoss)
	}

	// The cap clears when the trading day rolls over.
	if err := g.Approve(testProposal(), nil, testNow.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("Approve() next day: %v", err)
	}
}

func TestApproveTradeRisk(t *testing.T) {
	acct := NewAccount(10000)
	limits := testLimits()
	limits.MaxRiskPerTrade = 400 // proposal risks $477
	g := NewGatekeeper(limits, acct, testLogger)

	err := g.Approve(testProposal(), nil, testNow)
	if got := rejectionReason(t, err); got != ReasonTradeRisk {
		t.Errorf("reason = %s, want %s", got, ReasonTradeRisk)
	}
	// A rejection must not consume a slot.
	if got := acct.Snapshot(testNow).OpenSlots; got != 0 {
		t.Errorf("open slots = %d, want 0", got)
	}
}

func TestApproveOverlap(t *testing.T) {
	acct := NewAccount(10000)
	g := NewGatekeeper(testLimits(), acct, testLogger)

	p := testProposal()
	pos := models.NewPosition("pos-1", p)
	err := g.Approve(p, []*models.Position{pos}, testNow)
	if got := rejectionReason(t, err); got != ReasonOverlap {
		t.Errorf("reason = %s, want %s", got, ReasonOverlap)
	}

	// A different kind on the same underlying and expiry is allowed.
	fly := testProposal()
	fly.Kind = models.KindIronButterfly
	if err := g.Approve(fly, []*models.Position{pos}, testNow); err != nil {
		t.Fatalf("Approve() different kind: %v", err)
	}

	// Terminal positions do not block.
	closedPos := models.NewPosition("pos-2", testProposal())
	closedPos.State = models.StateCancelled
	acct2 := NewAccount(10000)
	g2 := NewGatekeeper(testLimits(), acct2, testLogger)
	if err := g2.Approve(testProposal(), []*models.Position{closedPos}, testNow); err != nil {
		t.Fatalf("Approve() against terminal position: %v", err)
	}
}

func TestApproveConcurrentNeverOversubscribes(t *testing.T) {
	acct := NewAccount(10000)
	g := NewGatekeeper(testLimits(), acct, testLogger)

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Approve(testProposal(), nil, testNow); err == nil {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if approved != 2 {
		t.Errorf("approved %d proposals, want exactly 2 (max positions)", approved)
	}
	if got := acct.Snapshot(testNow).OpenSlots; got != 2 {
		t.Errorf("open slots = %d, want 2", got)
	}
}

func TestAccountRealizedRollover(t *testing.T) {
	acct := NewAccount(10000)
	acct.PostRealized(-80, testNow)
	acct.PostRealized(30, testNow)

	v := acct.Snapshot(testNow)
	if v.RealizedToday != -50 {
		t.Errorf("realized today = %.2f, want -50", v.RealizedToday)
	}
	if v.Balance != 9950 {
		t.Errorf("balance = %.2f, want 9950", v.Balance)
	}

	next := acct.Snapshot(testNow.AddDate(0, 0, 1))
	if next.RealizedToday != 0 {
		t.Errorf("realized after rollover = %.2f, want 0", next.RealizedToday)
	}
	if next.Balance != 9950 {
		t.Errorf("balance after rollover = %.2f, want 9950", next.Balance)
	}
}

func TestLimitsValidate(t *testing.T) {
	l := testLimits()
	if err := l.Validate(); err != nil {
		t.Fatalf("valid limits rejected: %v", err)
	}

	bad := testLimits()
	bad.MaxPositions = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero max_positions should fail validation")
	}

	bad = testLimits()
	bad.ProfitTarget = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("profit_target above 1 should fail validation")
	}
}

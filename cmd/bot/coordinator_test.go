package main

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbaxter/fopbot/internal/alerts"
	"github.com/tbaxter/fopbot/internal/broker"
	"github.com/tbaxter/fopbot/internal/config"
	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/monitor"
	"github.com/tbaxter/fopbot/internal/orders"
	"github.com/tbaxter/fopbot/internal/risk"
	"github.com/tbaxter/fopbot/internal/storage"
	"github.com/tbaxter/fopbot/internal/strategy"
)

// coordNow is a Wednesday 09:00 Chicago, inside the trading window.
var (
	coordNow    = time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC)
	coordExpiry = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
)

type stubBroker struct {
	mu        sync.Mutex
	submitted []*orders.OrderSpec
	submitErr error
	cancelled []string
	fills     chan broker.FillEvent
	statuses  chan broker.OrderStatusEvent
	orderSeq  int
	reports   []broker.PositionReport
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		fills:    make(chan broker.FillEvent, 16),
		statuses: make(chan broker.OrderStatusEvent, 16),
	}
}

func (s *stubBroker) SubscribeQuotes(context.Context, string) (<-chan broker.QuoteUpdate, error) {
	return make(chan broker.QuoteUpdate), nil
}

func (s *stubBroker) SubmitOrder(spec *orders.OrderSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.orderSeq++
	s.submitted = append(s.submitted, spec)
	return spec.ClientOrderID, nil
}

func (s *stubBroker) CancelOrder(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

func (s *stubBroker) FillEvents() <-chan broker.FillEvent              { return s.fills }
func (s *stubBroker) OrderStatusEvents() <-chan broker.OrderStatusEvent { return s.statuses }
func (s *stubBroker) GetPositions() ([]broker.PositionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.PositionReport(nil), s.reports...), nil
}
func (s *stubBroker) GetAccountBalance() (float64, error)              { return 10000, nil }

func (s *stubBroker) submittedSpecs() []*orders.OrderSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*orders.OrderSpec(nil), s.submitted...)
}

func (s *stubBroker) cancelledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

var _ broker.Broker = (*stubBroker)(nil)

func coordConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvironmentConfig{Mode: "paper"},
		Schedule: config.ScheduleConfig{
			ScanInterval: "30s",
			Timezone:     "America/Chicago",
			TradingStart: "08:30",
			TradingEnd:   "15:00",
		},
		Symbol: config.SymbolConfig{Symbol: "MES", Multiplier: 5, StrikeInterval: 5, Tick: 0.05},
		Orders: config.OrdersConfig{QuoteFreshness: "30s", ImprovementTicks: 1, FillTimeout: "1h"},
		Risk: risk.Limits{
			MaxPositions:       3,
			MaxRiskPerTrade:    1000,
			DailyLossCap:       2000,
			ProfitTarget:       0.5,
			StopLossMult:       1.5,
			DTEExit:            2,
			TrailingActivation: 0.15,
			TrailingStep:       0.10,
		},
	}
}

// primedAdapter loads a condor-friendly chain: 15-delta shorts with cheap
// wings on both sides.
func primedAdapter(t *testing.T) *market.Adapter {
	t.Helper()
	adapter := market.NewAdapter("MES", 30*time.Second, log.New(io.Discard, "", 0))
	adapter.SetConnected(true)
	adapter.ApplyTick(5000, coordNow)

	quotes := []market.StrikeQuote{
		{Strike: 5100, Right: models.RightCall, Bid: 1.15, Ask: 1.25, Delta: 0.15},
		{Strike: 5150, Right: models.RightCall, Bid: 0.10, Ask: 0.20, Delta: 0.05},
		{Strike: 4900, Right: models.RightPut, Bid: 1.05, Ask: 1.15, Delta: -0.15},
		{Strike: 4850, Right: models.RightPut, Bid: 0.10, Ask: 0.20, Delta: -0.05},
	}
	for _, q := range quotes {
		q.Expiry = coordExpiry
		q.Timestamp = coordNow
		adapter.ApplyQuote(q)
	}
	return adapter
}

type coordFixture struct {
	coord   *Coordinator
	brk     *stubBroker
	mon     *monitor.Monitor
	account *risk.Account
	store   *storage.MockStorage
	hub     *alerts.Hub
}

func newCoordFixture(t *testing.T, adapter *market.Adapter, strategies []strategy.Strategy, scalper *strategy.Scalper) *coordFixture {
	t.Helper()
	cfg := coordConfig()
	brk := newStubBroker()
	store := storage.NewMockStorage()
	account := risk.NewAccount(10000)
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	hub := alerts.NewHub(lg)
	quiet := log.New(io.Discard, "", 0)

	mon := monitor.NewMonitor(store, account, cfg.Risk, hub, quiet)
	builder := orders.NewBuilder(cfg.QuoteFreshness(), cfg.Symbol.Tick, cfg.Orders.ImprovementTicks, quiet)
	gate := risk.NewGatekeeper(cfg.Risk, account, quiet)
	coord := NewCoordinator(cfg, brk, adapter, mon, gate, account, builder, hub, strategies, scalper, quiet)
	coord.now = func() time.Time { return coordNow }
	seq := 0
	coord.newID = func() string { seq++; return string(rune('A' + seq - 1)) }

	return &coordFixture{coord: coord, brk: brk, mon: mon, account: account, store: store, hub: hub}
}

func condorStrategy(t *testing.T) strategy.Strategy {
	t.Helper()
	return strategy.NewCondor(strategy.CondorConfig{
		Symbol:          "MES",
		DeltaTarget:     0.15,
		DeltaBand:       0.05,
		WingWidth:       50,
		TargetDTE:       7,
		MaxBidAskSpread: 0.5,
		MinIVRank:       25,
		MinCredit:       1.0,
		RiskPerTrade:    0.05,
		MaxContracts:    5,
		Multiplier:      5,
		StrikeInterval:  5,
	}, log.New(io.Discard, "", 0))
}

func TestCycleSubmitsCondorEntry(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), []strategy.Strategy{condorStrategy(t)}, nil)

	fix.coord.runCycle(coordNow)

	specs := fix.brk.submittedSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, orders.IntentOpen, specs[0].Intent)
	assert.Len(t, specs[0].Legs, 4)

	open := fix.mon.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, models.StatePending, open[0].State)
	assert.Equal(t, 1, fix.account.Snapshot(coordNow).OpenSlots)
}

func TestCycleSkipsEntriesOutsideTradingHours(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), []strategy.Strategy{condorStrategy(t)}, nil)

	// Saturday.
	weekend := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	fix.coord.runCycle(weekend)

	assert.Empty(t, fix.brk.submittedSpecs())
}

func TestCycleSkipsWhenAdapterStale(t *testing.T) {
	adapter := market.NewAdapter("MES", 30*time.Second, log.New(io.Discard, "", 0))
	fix := newCoordFixture(t, adapter, []strategy.Strategy{condorStrategy(t)}, nil)

	// Never connected, no tick.
	fix.coord.runCycle(coordNow)
	assert.Empty(t, fix.brk.submittedSpecs())
}

func TestCycleReleasesSlotWhenSubmitFails(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), []strategy.Strategy{condorStrategy(t)}, nil)
	fix.brk.submitErr = errors.New("venue down")

	fix.coord.runCycle(coordNow)

	assert.Empty(t, fix.mon.OpenPositions())
	assert.Equal(t, 0, fix.account.Snapshot(coordNow).OpenSlots, "failed submit must release the slot")

	recent := fix.hub.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, alerts.KindBrokerRejected, recent[0].Kind)
}

// stressedCondor builds an open one-lot condor entered at far better prices
// than the primed marks, deep past the 1.5x stop.
func stressedCondor(t *testing.T) *models.Position {
	t.Helper()
	pos := models.NewPosition("P1", &models.StrategyProposal{
		Kind:   models.KindIronCondor,
		Symbol: "MES",
		Legs: []models.Leg{
			{Strike: 5100, Expiry: coordExpiry, Right: models.RightCall, Action: models.ActionSell, Quantity: 1},
			{Strike: 5150, Expiry: coordExpiry, Right: models.RightCall, Action: models.ActionBuy, Quantity: 1},
			{Strike: 4900, Expiry: coordExpiry, Right: models.RightPut, Action: models.ActionSell, Quantity: 1},
			{Strike: 4850, Expiry: coordExpiry, Right: models.RightPut, Action: models.ActionBuy, Quantity: 1},
		},
		Expiry:     coordExpiry,
		NetCredit:  2.0,
		MaxLoss:    48.0,
		MaxProfit:  2.0,
		Quantity:   1,
		Multiplier: 5,
	})
	for i := range pos.Legs {
		pos.Legs[i].FilledQuantity = 1
	}
	pos.Legs[0].FillPrice = 0.10 // short call now 1.20 mid
	pos.Legs[1].FillPrice = 0.15
	pos.Legs[2].FillPrice = 0.10 // short put now 1.10 mid
	pos.Legs[3].FillPrice = 0.15
	pos.EntryCredit = 0.50
	pos.EntryOrderID = "ORD-P1"
	require.NoError(t, pos.TransitionState(models.StateOpen, models.ConditionOrderFilled))
	return pos
}

func TestCycleSubmitsCloseOnStopLoss(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), nil, nil)
	fix.mon.Restore([]*models.Position{stressedCondor(t)})

	fix.coord.runCycle(coordNow)

	specs := fix.brk.submittedSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, orders.IntentClose, specs[0].Intent)
	assert.Equal(t, "P1", specs[0].PositionID)

	tracked := fix.mon.OpenPositions()
	require.Len(t, tracked, 1)
	assert.Equal(t, models.StateClosing, tracked[0].State)
	assert.Equal(t, models.ExitStopLoss, tracked[0].ExitReason)
}

func TestWatchFillCancelsStaleEntry(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), []strategy.Strategy{condorStrategy(t)}, nil)
	fix.coord.fillTimeout = 5 * time.Millisecond

	fix.coord.runCycle(coordNow)
	require.Len(t, fix.brk.submittedSpecs(), 1)

	require.Eventually(t, func() bool {
		return len(fix.brk.cancelledIDs()) == 1
	}, time.Second, 5*time.Millisecond, "stale entry order was not cancelled")
}

func TestWatchCloseCancelsStaleCloseOrder(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), nil, nil)
	fix.coord.fillTimeout = 5 * time.Millisecond
	fix.mon.Restore([]*models.Position{stressedCondor(t)})

	fix.coord.runCycle(coordNow)
	specs := fix.brk.submittedSpecs()
	require.Len(t, specs, 1)
	closeID := specs[0].ClientOrderID

	require.Eventually(t, func() bool {
		ids := fix.brk.cancelledIDs()
		return len(ids) == 1 && ids[0] == closeID
	}, time.Second, 5*time.Millisecond, "stale close order was not cancelled")

	// Venue confirms the cancel; the position reopens so the exit can be
	// rebuilt with fresh prices next cycle.
	fix.mon.HandleStatus(broker.OrderStatusEvent{OrderID: closeID, Status: broker.StatusCancelled, Timestamp: coordNow})
	tracked := fix.mon.OpenPositions()
	require.Len(t, tracked, 1)
	assert.Equal(t, models.StateOpen, tracked[0].State)
	assert.Empty(t, tracked[0].CloseOrderID)
}

func TestCycleResyncLiftsPause(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), nil, nil)
	pos := stressedCondor(t)
	pos.NeedsResync = true
	fix.mon.Restore([]*models.Position{pos})
	require.True(t, fix.mon.Paused("MES"))

	fix.brk.reports = []broker.PositionReport{
		{Symbol: "MES", Strike: 5100, Expiry: coordExpiry, Right: models.RightCall, Quantity: -1},
		{Symbol: "MES", Strike: 5150, Expiry: coordExpiry, Right: models.RightCall, Quantity: 1},
		{Symbol: "MES", Strike: 4900, Expiry: coordExpiry, Right: models.RightPut, Quantity: -1},
		{Symbol: "MES", Strike: 4850, Expiry: coordExpiry, Right: models.RightPut, Quantity: 1},
	}
	fix.coord.runCycle(coordNow)

	assert.False(t, fix.mon.Paused("MES"), "matching venue report must lift the pause")
	got, err := fix.store.GetPosition("P1")
	require.NoError(t, err)
	assert.False(t, got.NeedsResync)
}

func TestCycleHonorsMaxPositions(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), []strategy.Strategy{condorStrategy(t)}, nil)
	// Fill every slot.
	for i := 0; i < 3; i++ {
		fix.account.RestoreSlot()
	}

	fix.coord.runCycle(coordNow)

	assert.Empty(t, fix.brk.submittedSpecs())
	assert.Equal(t, 3, fix.account.Snapshot(coordNow).OpenSlots)
}

func TestCycleHaltsEntriesAtDailyLossCap(t *testing.T) {
	fix := newCoordFixture(t, primedAdapter(t), []strategy.Strategy{condorStrategy(t)}, nil)
	fix.account.SetRealizedToday(-2500, coordNow)

	fix.coord.runCycle(coordNow)

	assert.Empty(t, fix.brk.submittedSpecs())
	recent := fix.hub.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, alerts.KindDailyLossCap, recent[0].Kind)
	assert.Equal(t, alerts.LevelCritical, recent[0].Level)
}

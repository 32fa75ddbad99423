package broker

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/orders"
)

// PaperConfig tunes the built-in simulator.
type PaperConfig struct {
	Symbol         string
	StartPrice     float64
	StrikeInterval float64
	StrikeSpan     int // strikes quoted on each side of spot
	Multiplier     float64
	TickInterval   time.Duration
	FillDelay      time.Duration
	Balance        float64
	Seed           int64
}

func (c PaperConfig) withDefaults() PaperConfig {
	if c.StrikeInterval <= 0 {
		c.StrikeInterval = 5
	}
	if c.StrikeSpan <= 0 {
		c.StrikeSpan = 20
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 5
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.FillDelay <= 0 {
		c.FillDelay = 500 * time.Millisecond
	}
	return c
}

type contractKey struct {
	strike float64
	expiry time.Time
	right  models.OptionRight
}

type paperOrder struct {
	spec      *orders.OrderSpec
	cancelled bool
	done      bool
}

// PaperBroker simulates a venue: a random-walk underlying, a synthetic
// option chain priced off moneyness, and orders that fill after a short
// delay. It keeps the same event-stream shape as a live transport so the
// rest of the system cannot tell the difference.
type PaperBroker struct {
	cfg    PaperConfig
	logger *log.Logger

	mu        sync.Mutex
	price     float64
	rng       *rand.Rand
	working   map[string]*paperOrder
	positions map[contractKey]int
	balance   float64

	fills    chan FillEvent
	statuses chan OrderStatusEvent
	nextID   atomic.Int64
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates the simulator.
func NewPaperBroker(cfg PaperConfig, logger *log.Logger) *PaperBroker {
	if logger == nil {
		logger = log.Default()
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperBroker{
		cfg:       cfg,
		logger:    logger,
		price:     cfg.StartPrice,
		rng:       rand.New(rand.NewSource(seed)),
		working:   make(map[string]*paperOrder),
		positions: make(map[contractKey]int),
		balance:   cfg.Balance,
		fills:     make(chan FillEvent, 256),
		statuses:  make(chan OrderStatusEvent, 256),
	}
}

// SubscribeQuotes implements Broker. The stream emits one underlying tick
// plus a refreshed chain every tick interval.
func (p *PaperBroker) SubscribeQuotes(ctx context.Context, symbol string) (<-chan QuoteUpdate, error) {
	out := make(chan QuoteUpdate, 512)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()
		p.publishChain(out, symbol)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.step()
				p.publishChain(out, symbol)
			}
		}
	}()
	return out, nil
}

// step advances the random walk.
func (p *PaperBroker) step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price += p.rng.NormFloat64() * p.price * 0.0004
}

func (p *PaperBroker) publishChain(out chan<- QuoteUpdate, symbol string) {
	p.mu.Lock()
	spot := p.price
	p.mu.Unlock()
	now := time.Now().UTC()

	send := func(u QuoteUpdate) {
		select {
		case out <- u:
		default: // a slow consumer loses updates, never blocks the sim
		}
	}

	send(QuoteUpdate{Symbol: symbol, Underlying: spot, Timestamp: now})

	expiry := nextFriday(now)
	atm := math.Round(spot/p.cfg.StrikeInterval) * p.cfg.StrikeInterval
	for i := -p.cfg.StrikeSpan; i <= p.cfg.StrikeSpan; i++ {
		strike := atm + float64(i)*p.cfg.StrikeInterval
		for _, right := range []models.OptionRight{models.RightCall, models.RightPut} {
			q := p.syntheticQuote(spot, strike, right, expiry, now)
			send(QuoteUpdate{Symbol: symbol, Quote: &q, Timestamp: now})
		}
	}
}

// syntheticQuote prices an option as intrinsic value plus an exponentially
// decaying time value, with a logistic delta. Crude, but consistent enough
// for the strategies to trade against.
func (p *PaperBroker) syntheticQuote(spot, strike float64, right models.OptionRight, expiry, now time.Time) market.StrikeQuote {
	moneyness := spot - strike
	if right == models.RightPut {
		moneyness = -moneyness
	}
	intrinsic := math.Max(moneyness, 0)
	timeValue := spot * 0.005 * math.Exp(-math.Abs(spot-strike)/(spot*0.02))
	mid := intrinsic + timeValue
	spread := math.Max(0.05, mid*0.04)

	scale := spot * 0.012
	callDelta := 1 / (1 + math.Exp(-(spot-strike)/scale))
	delta := callDelta
	if right == models.RightPut {
		delta = callDelta - 1
	}

	return market.StrikeQuote{
		Strike:     strike,
		Expiry:     expiry,
		Right:      right,
		Bid:        math.Max(mid-spread/2, 0),
		Ask:        mid + spread/2,
		Delta:      delta,
		ImpliedVol: 0.18 + p.rng.Float64()*0.04,
		Timestamp:  now,
	}
}

// SubmitOrder implements Broker. Orders rest for the fill delay and then
// fill completely at synthetic leg prices.
func (p *PaperBroker) SubmitOrder(spec *orders.OrderSpec) (string, error) {
	if len(spec.Legs) == 0 {
		return "", fmt.Errorf("order %s has no legs", spec.ClientOrderID)
	}
	id := fmt.Sprintf("PAPER-%d", p.nextID.Add(1))

	p.mu.Lock()
	p.working[id] = &paperOrder{spec: spec}
	p.mu.Unlock()

	p.emitStatus(OrderStatusEvent{OrderID: id, Status: StatusSubmitted, Timestamp: time.Now().UTC()})
	p.logger.Printf("[PAPER] accepted %s order %s (%s)", spec.Intent, id, spec.ClientOrderID)

	go p.fillAfterDelay(id)
	return id, nil
}

func (p *PaperBroker) fillAfterDelay(id string) {
	time.Sleep(p.cfg.FillDelay)

	p.mu.Lock()
	ord, ok := p.working[id]
	if !ok || ord.cancelled || ord.done {
		p.mu.Unlock()
		return
	}
	ord.done = true
	spot := p.price
	spec := ord.spec
	now := time.Now().UTC()

	events := make([]FillEvent, 0, len(spec.Legs))
	for i, leg := range spec.Legs {
		q := p.syntheticQuote(spot, leg.Strike, leg.Right, leg.Expiry, now)
		price := q.Mid()
		events = append(events, FillEvent{
			FillID:    fmt.Sprintf("%s-F%d", id, i),
			OrderID:   id,
			Strike:    leg.Strike,
			Expiry:    leg.Expiry,
			Right:     leg.Right,
			Action:    leg.Action,
			Price:     price,
			Quantity:  leg.Quantity,
			Timestamp: now,
		})

		key := contractKey{strike: leg.Strike, expiry: leg.Expiry.UTC().Truncate(24 * time.Hour), right: leg.Right}
		signed := leg.Quantity
		cash := -price * float64(leg.Quantity) * p.cfg.Multiplier
		if leg.Action == models.ActionSell {
			signed = -signed
			cash = -cash
		}
		p.positions[key] += signed
		if p.positions[key] == 0 {
			delete(p.positions, key)
		}
		p.balance += cash
	}
	p.mu.Unlock()

	for _, ev := range events {
		p.emitFill(ev)
	}
	p.emitStatus(OrderStatusEvent{OrderID: id, Status: StatusFilled, Timestamp: now})
	p.logger.Printf("[PAPER] filled order %s (%d legs)", id, len(events))
}

// CancelOrder implements Broker.
func (p *PaperBroker) CancelOrder(orderID string) error {
	p.mu.Lock()
	ord, ok := p.working[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderID)
	}
	if ord.done {
		p.mu.Unlock()
		return fmt.Errorf("order %s already filled", orderID)
	}
	ord.cancelled = true
	p.mu.Unlock()

	p.emitStatus(OrderStatusEvent{OrderID: orderID, Status: StatusCancelled, Timestamp: time.Now().UTC()})
	return nil
}

// FillEvents implements Broker.
func (p *PaperBroker) FillEvents() <-chan FillEvent { return p.fills }

// OrderStatusEvents implements Broker.
func (p *PaperBroker) OrderStatusEvents() <-chan OrderStatusEvent { return p.statuses }

// GetPositions implements Broker.
func (p *PaperBroker) GetPositions() ([]PositionReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PositionReport, 0, len(p.positions))
	for key, qty := range p.positions {
		out = append(out, PositionReport{
			Symbol:   p.cfg.Symbol,
			Strike:   key.strike,
			Expiry:   key.expiry,
			Right:    key.right,
			Quantity: qty,
		})
	}
	return out, nil
}

// GetAccountBalance implements Broker.
func (p *PaperBroker) GetAccountBalance() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperBroker) emitFill(ev FillEvent) {
	select {
	case p.fills <- ev:
	default:
		p.logger.Printf("[PAPER] fill channel full, dropping %s", ev.FillID)
	}
}

func (p *PaperBroker) emitStatus(ev OrderStatusEvent) {
	select {
	case p.statuses <- ev:
	default:
		p.logger.Printf("[PAPER] status channel full, dropping %s %s", ev.OrderID, ev.Status)
	}
}

func nextFriday(now time.Time) time.Time {
	d := now.UTC().Truncate(24 * time.Hour)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

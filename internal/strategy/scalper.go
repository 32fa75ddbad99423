package strategy

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
)

// ScalperConfig tunes the directional scalping logic.
type ScalperConfig struct {
	Symbol          string
	Momentum        market.MomentumConfig
	TargetDTE       int // 0 scalps the nearest listed expiry
	MaxBidAskSpread float64
	MaxPremium      float64 // max debit per contract in points, 0 disables
	Quantity        int     // contracts per scalp
	CooldownSeconds int
	MaxTradesPerDay int
	Multiplier      float64
}

// Scalper buys single calls or puts on short-term momentum. It throttles
// itself with an entry cooldown and a per-day trade cap; account-level
// limits remain the gatekeeper's job.
type Scalper struct {
	cfg    ScalperConfig
	logger *log.Logger

	mu          sync.Mutex
	lastEntry   time.Time
	tradesToday int
	day         time.Time
}

// NewScalper creates the scalping strategy.
func NewScalper(cfg ScalperConfig, logger *log.Logger) *Scalper {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = 1
	}
	return &Scalper{cfg: cfg, logger: logger}
}

var _ Strategy = (*Scalper)(nil)

// Kind implements Strategy.
func (s *Scalper) Kind() models.StrategyKind { return models.KindScalper }

// Propose implements Strategy.
func (s *Scalper) Propose(snap *market.Snapshot, acct AccountView) (*models.StrategyProposal, error) {
	if err := s.throttled(snap.Timestamp); err != nil {
		return nil, err
	}

	signal := market.DetectMomentum(snap.History, s.cfg.Momentum)
	var right models.OptionRight
	switch signal {
	case market.SignalBullish, market.SignalReversalUp:
		right = models.RightCall
	case market.SignalBearish, market.SignalReversalDown:
		right = models.RightPut
	default:
		return nil, fmt.Errorf("momentum %s: %w", signal, ErrNoEntry)
	}
	s.logger.Printf("[SCALPER] %s momentum %s, looking for %s entry", s.cfg.Symbol, signal, right)
	return s.directional(snap, right)
}

// ProposeOpposite builds the flip entry after a reversal exit: the new leg
// takes the other side of the closed one. It bypasses momentum detection
// but still honors the throttles.
func (s *Scalper) ProposeOpposite(snap *market.Snapshot, closed models.OptionRight) (*models.StrategyProposal, error) {
	if err := s.throttled(snap.Timestamp); err != nil {
		return nil, err
	}
	right := models.RightPut
	if closed == models.RightPut {
		right = models.RightCall
	}
	return s.directional(snap, right)
}

// NoteEntry advances the cooldown and daily trade count. The coordinator
// calls it after an order is actually submitted, so gate rejections do not
// burn the cooldown.
func (s *Scalper) NoteEntry(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(now)
	s.lastEntry = now
	s.tradesToday++
}

func (s *Scalper) throttled(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(now)
	if s.cfg.CooldownSeconds > 0 && !s.lastEntry.IsZero() {
		elapsed := now.Sub(s.lastEntry)
		if cooldown := time.Duration(s.cfg.CooldownSeconds) * time.Second; elapsed < cooldown {
			return fmt.Errorf("cooldown %s remaining: %w", (cooldown - elapsed).Round(time.Second), ErrNoEntry)
		}
	}
	if s.cfg.MaxTradesPerDay > 0 && s.tradesToday >= s.cfg.MaxTradesPerDay {
		return fmt.Errorf("daily trade cap %d reached: %w", s.cfg.MaxTradesPerDay, ErrNoEntry)
	}
	return nil
}

func (s *Scalper) rolloverLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(s.day) {
		s.day = day
		s.tradesToday = 0
	}
}

// directional builds the single-leg proposal for one side.
func (s *Scalper) directional(snap *market.Snapshot, right models.OptionRight) (*models.StrategyProposal, error) {
	expiry, err := selectExpiry(snap, weeklyExpiry(snap.Timestamp, s.cfg.TargetDTE))
	if err != nil {
		return nil, err
	}

	strike, err := scalpStrike(snap.Strikes(right, expiry), snap.UnderlyingPrice, right)
	if err != nil {
		return nil, err
	}

	q, err := requireQuote(snap, strike, right, expiry, s.cfg.MaxBidAskSpread)
	if err != nil {
		return nil, err
	}
	debit := q.Mid()
	if debit <= 0 {
		return nil, fmt.Errorf("%.2f %s has no premium: %w", strike, right, ErrNoEntry)
	}
	if s.cfg.MaxPremium > 0 && debit > s.cfg.MaxPremium {
		return nil, fmt.Errorf("premium %.2f exceeds %.2f: %w", debit, s.cfg.MaxPremium, ErrNoEntry)
	}

	p := &models.StrategyProposal{
		Kind:   models.KindScalper,
		Symbol: s.cfg.Symbol,
		Legs: []models.Leg{
			{Strike: strike, Expiry: expiry, Right: right, Action: models.ActionBuy, Quantity: 1},
		},
		Expiry:     expiry,
		NetCredit:  -debit,
		MaxLoss:    debit,
		MaxProfit:  debit, // profit target is a fraction of premium paid
		Quantity:   s.cfg.Quantity,
		Multiplier: s.cfg.Multiplier,
		SpotPrice:  snap.UnderlyingPrice,
		CreatedAt:  snap.Timestamp,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("scalp proposal invalid: %w", err)
	}
	s.logger.Printf("[SCALPER] %s propose %dx %g %s debit %.2f",
		s.cfg.Symbol, s.cfg.Quantity, strike, right, debit)
	return p, nil
}

// scalpStrike prefers the ATM or slightly in-the-money strike so the long
// option carries enough delta to respond to the move.
func scalpStrike(quotes []market.StrikeQuote, spot float64, right models.OptionRight) (float64, error) {
	if len(quotes) == 0 {
		return 0, fmt.Errorf("no %s strikes listed: %w", right, ErrNoEntry)
	}
	best := -1.0
	if right == models.RightCall {
		// Highest strike at or below spot.
		for i := range quotes {
			if quotes[i].Strike <= spot && quotes[i].Strike > best {
				best = quotes[i].Strike
			}
		}
	} else {
		// Lowest strike at or above spot.
		for i := range quotes {
			if quotes[i].Strike >= spot && (best < 0 || quotes[i].Strike < best) {
				best = quotes[i].Strike
			}
		}
	}
	if best >= 0 {
		return best, nil
	}

	// Nothing on the ITM side: take the nearest strike.
	nearest := quotes[0].Strike
	for i := range quotes {
		if diff(quotes[i].Strike, spot) < diff(nearest, spot) {
			nearest = quotes[i].Strike
		}
	}
	return nearest, nil
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

package strategy

import (
	"fmt"
	"log"
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
)

// ButterflyConfig tunes the iron butterfly entry logic.
type ButterflyConfig struct {
	Symbol          string
	WingWidth       float64
	TargetDTE       int
	MaxBidAskSpread float64
	MinIVRank       float64 // butterflies want richer premium than condors
	MaxExpectedMove float64 // straddle-implied move / spot, e.g. 0.02
	MinCredit       float64
	RiskPerTrade    float64
	MaxContracts    int
	Multiplier      float64
	StrikeInterval  float64
}

// Butterfly proposes iron butterflies: short ATM call and put at the same
// strike with protective wings. Entered only when the market looks pinned.
type Butterfly struct {
	cfg    ButterflyConfig
	logger *log.Logger
}

// NewButterfly creates the iron butterfly strategy.
func NewButterfly(cfg ButterflyConfig, logger *log.Logger) *Butterfly {
	if logger == nil {
		logger = log.Default()
	}
	return &Butterfly{cfg: cfg, logger: logger}
}

var _ Strategy = (*Butterfly)(nil)

// Kind implements Strategy.
func (b *Butterfly) Kind() models.StrategyKind { return models.KindIronButterfly }

// Propose implements Strategy.
func (b *Butterfly) Propose(snap *market.Snapshot, acct AccountView) (*models.StrategyProposal, error) {
	if snap.IVRank < b.cfg.MinIVRank {
		return nil, fmt.Errorf("IV rank %.1f below %.1f: %w", snap.IVRank, b.cfg.MinIVRank, ErrNoEntry)
	}

	expiry, err := selectExpiry(snap, weeklyExpiry(snap.Timestamp, b.cfg.TargetDTE))
	if err != nil {
		return nil, err
	}

	atm := roundToInterval(snap.UnderlyingPrice, b.cfg.StrikeInterval)

	if b.cfg.MaxExpectedMove > 0 {
		move, err := b.expectedMove(snap, atm, expiry)
		if err != nil {
			return nil, err
		}
		if move > b.cfg.MaxExpectedMove {
			return nil, fmt.Errorf("expected move %.1f%% exceeds %.1f%%: %w",
				move*100, b.cfg.MaxExpectedMove*100, ErrNoEntry)
		}
	}

	legs := []models.Leg{
		{Strike: atm, Expiry: expiry, Right: models.RightCall, Action: models.ActionSell, Quantity: 1},
		{Strike: atm + b.cfg.WingWidth, Expiry: expiry, Right: models.RightCall, Action: models.ActionBuy, Quantity: 1},
		{Strike: atm, Expiry: expiry, Right: models.RightPut, Action: models.ActionSell, Quantity: 1},
		{Strike: atm - b.cfg.WingWidth, Expiry: expiry, Right: models.RightPut, Action: models.ActionBuy, Quantity: 1},
	}

	netCredit, err := netCreditFor(snap, legs, b.cfg.MaxBidAskSpread)
	if err != nil {
		return nil, err
	}
	if netCredit < b.cfg.MinCredit {
		return nil, fmt.Errorf("net credit %.2f below %.2f: %w", netCredit, b.cfg.MinCredit, ErrNoEntry)
	}

	qty := positionSize(acct.Balance, b.cfg.RiskPerTrade, b.cfg.WingWidth, b.cfg.Multiplier, b.cfg.MaxContracts)
	p := &models.StrategyProposal{
		Kind:       models.KindIronButterfly,
		Symbol:     b.cfg.Symbol,
		Legs:       legs,
		Expiry:     expiry,
		NetCredit:  netCredit,
		MaxLoss:    b.cfg.WingWidth - netCredit,
		MaxProfit:  netCredit,
		Quantity:   qty,
		Multiplier: b.cfg.Multiplier,
		SpotPrice:  snap.UnderlyingPrice,
		CreatedAt:  snap.Timestamp,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("butterfly proposal invalid: %w", err)
	}
	b.logger.Printf("[BUTTERFLY] %s propose %dx ATM %g wings %g/%g credit %.2f",
		b.cfg.Symbol, qty, atm, atm-b.cfg.WingWidth, atm+b.cfg.WingWidth, netCredit)
	return p, nil
}

// expectedMove approximates the market's implied move as the ATM straddle
// price over spot.
func (b *Butterfly) expectedMove(snap *market.Snapshot, atm float64, expiry time.Time) (float64, error) {
	call, err := requireQuote(snap, atm, models.RightCall, expiry, 0)
	if err != nil {
		return 0, err
	}
	put, err := requireQuote(snap, atm, models.RightPut, expiry, 0)
	if err != nil {
		return 0, err
	}
	if snap.UnderlyingPrice <= 0 {
		return 0, fmt.Errorf("no underlying price: %w", ErrNoEntry)
	}
	return (call.Mid() + put.Mid()) / snap.UnderlyingPrice, nil
}

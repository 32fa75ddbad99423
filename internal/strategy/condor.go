package strategy

import (
	"fmt"
	"log"
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
)

// CondorConfig tunes the iron condor entry logic.
type CondorConfig struct {
	Symbol          string
	DeltaTarget     float64 // short-strike delta magnitude, e.g. 0.15
	DeltaBand       float64 // max distance from target before skipping
	WingWidth       float64 // points between short and long strike
	TargetDTE       int
	MaxBidAskSpread float64 // per-leg liquidity gate
	MinIVRank       float64
	MinCredit       float64 // points per spread
	RiskPerTrade    float64 // fraction of balance
	MaxContracts    int
	Multiplier      float64
	StrikeInterval  float64
}

// Condor proposes short iron condors: a short OTM call spread plus a short
// OTM put spread, strikes chosen by delta target.
type Condor struct {
	cfg    CondorConfig
	logger *log.Logger
}

// NewCondor creates the iron condor strategy.
func NewCondor(cfg CondorConfig, logger *log.Logger) *Condor {
	if logger == nil {
		logger = log.Default()
	}
	return &Condor{cfg: cfg, logger: logger}
}

var _ Strategy = (*Condor)(nil)

// Kind implements Strategy.
func (c *Condor) Kind() models.StrategyKind { return models.KindIronCondor }

// Propose implements Strategy.
func (c *Condor) Propose(snap *market.Snapshot, acct AccountView) (*models.StrategyProposal, error) {
	if snap.IVRank < c.cfg.MinIVRank {
		return nil, fmt.Errorf("IV rank %.1f below %.1f: %w", snap.IVRank, c.cfg.MinIVRank, ErrNoEntry)
	}

	expiry, err := selectExpiry(snap, weeklyExpiry(snap.Timestamp, c.cfg.TargetDTE))
	if err != nil {
		return nil, err
	}

	callShort, err := c.shortStrike(snap, models.RightCall, expiry)
	if err != nil {
		return nil, err
	}
	putShort, err := c.shortStrike(snap, models.RightPut, expiry)
	if err != nil {
		return nil, err
	}
	callLong := callShort + c.cfg.WingWidth
	putLong := putShort - c.cfg.WingWidth

	legs := []models.Leg{
		{Strike: callShort, Expiry: expiry, Right: models.RightCall, Action: models.ActionSell, Quantity: 1},
		{Strike: callLong, Expiry: expiry, Right: models.RightCall, Action: models.ActionBuy, Quantity: 1},
		{Strike: putShort, Expiry: expiry, Right: models.RightPut, Action: models.ActionSell, Quantity: 1},
		{Strike: putLong, Expiry: expiry, Right: models.RightPut, Action: models.ActionBuy, Quantity: 1},
	}

	netCredit, err := netCreditFor(snap, legs, c.cfg.MaxBidAskSpread)
	if err != nil {
		return nil, err
	}
	if netCredit < c.cfg.MinCredit {
		return nil, fmt.Errorf("net credit %.2f below %.2f: %w", netCredit, c.cfg.MinCredit, ErrNoEntry)
	}

	qty := positionSize(acct.Balance, c.cfg.RiskPerTrade, c.cfg.WingWidth, c.cfg.Multiplier, c.cfg.MaxContracts)
	p := &models.StrategyProposal{
		Kind:       models.KindIronCondor,
		Symbol:     c.cfg.Symbol,
		Legs:       legs,
		Expiry:     expiry,
		NetCredit:  netCredit,
		MaxLoss:    c.cfg.WingWidth - netCredit,
		MaxProfit:  netCredit,
		Quantity:   qty,
		Multiplier: c.cfg.Multiplier,
		SpotPrice:  snap.UnderlyingPrice,
		CreatedAt:  snap.Timestamp,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("condor proposal invalid: %w", err)
	}
	c.logger.Printf("[CONDOR] %s propose %dx %g/%g calls %g/%g puts credit %.2f",
		c.cfg.Symbol, qty, callShort, callLong, putShort, putLong, netCredit)
	return p, nil
}

// shortStrike chooses the short strike for one side. With delta data in the
// chain it targets the configured delta; without it, it falls back to a
// percentage offset calibrated so a 0.15 target lands near one standard
// deviation on index products.
func (c *Condor) shortStrike(snap *market.Snapshot, right models.OptionRight, expiry time.Time) (float64, error) {
	quotes := snap.Strikes(right, expiry)
	if hasDeltaData(quotes) {
		q := shortStrikeByDelta(quotes, c.cfg.DeltaTarget, c.cfg.DeltaBand)
		if q == nil {
			return 0, fmt.Errorf("no %s strike within %.2f of delta %.2f: %w",
				right, c.cfg.DeltaBand, c.cfg.DeltaTarget, ErrNoEntry)
		}
		return q.Strike, nil
	}

	offsetPct := 0.03 + (0.15-c.cfg.DeltaTarget)*0.10
	offset := snap.UnderlyingPrice * offsetPct
	if right == models.RightCall {
		return roundToInterval(snap.UnderlyingPrice+offset, c.cfg.StrikeInterval), nil
	}
	return roundToInterval(snap.UnderlyingPrice-offset, c.cfg.StrikeInterval), nil
}

func hasDeltaData(quotes []market.StrikeQuote) bool {
	for i := range quotes {
		if quotes[i].Delta != 0 {
			return true
		}
	}
	return false
}

package risk

import (
	"fmt"
	"log"
	"time"

	"github.com/tbaxter/fopbot/internal/models"
)

// Reason classifies why a proposal was rejected.
type Reason string

const (
	// ReasonMaxPositions means every position slot is taken
	ReasonMaxPositions Reason = "max_positions"
	// ReasonDailyLoss means today's realized loss breached the cap
	ReasonDailyLoss Reason = "daily_loss_cap"
	// ReasonTradeRisk means the proposal's worst case exceeds the per-trade limit
	ReasonTradeRisk Reason = "trade_risk"
	// ReasonOverlap means an open position already carries the same risk
	ReasonOverlap Reason = "overlap"
)

// Rejection is the expected-outcome error for a gated proposal.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", r.Reason, r.Detail)
}

// Gatekeeper approves proposals against the account aggregate and the
// configured limits. Approval reserves a position slot atomically with the
// checks, so two racing proposals can never both take the last slot.
type Gatekeeper struct {
	limits  Limits
	account *Account
	logger  *log.Logger
}

// NewGatekeeper creates the risk gate.
func NewGatekeeper(limits Limits, account *Account, logger *log.Logger) *Gatekeeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Gatekeeper{limits: limits, account: account, logger: logger}
}

// Limits returns the session limit set.
func (g *Gatekeeper) Limits() Limits { return g.limits }

// Approve gates a proposal. open is the current non-terminal position list
// used for the overlap check. On success one slot is reserved; the caller
// must release it when the position cancels or closes. Checks run in a fixed
// order and the first failure decides the reason.
func (g *Gatekeeper) Approve(p *models.StrategyProposal, open []*models.Position, now time.Time) error {
	err := g.account.Gate(now, func(v View) error {
		if v.OpenSlots >= g.limits.MaxPositions {
			return &Rejection{
				Reason: ReasonMaxPositions,
				Detail: fmt.Sprintf("%d of %d slots in use", v.OpenSlots, g.limits.MaxPositions),
			}
		}
		if v.RealizedToday <= -g.limits.DailyLossCap {
			return &Rejection{
				Reason: ReasonDailyLoss,
				Detail: fmt.Sprintf("realized %.2f breaches cap %.2f", v.RealizedToday, g.limits.DailyLossCap),
			}
		}
		if maxLoss := p.MaxLossDollars(); maxLoss > g.limits.MaxRiskPerTrade {
			return &Rejection{
				Reason: ReasonTradeRisk,
				Detail: fmt.Sprintf("max loss %.2f exceeds per-trade limit %.2f", maxLoss, g.limits.MaxRiskPerTrade),
			}
		}
		for _, pos := range open {
			if overlaps(p, pos) {
				return &Rejection{
					Reason: ReasonOverlap,
					Detail: fmt.Sprintf("position %s already holds %s %s %s", pos.ID, pos.Symbol, pos.Kind, pos.Expiry.Format("2006-01-02")),
				}
			}
		}
		return nil
	})
	if err != nil {
		g.logger.Printf("[RISK] rejected %s %s proposal: %v", p.Symbol, p.Kind, err)
		return err
	}
	g.logger.Printf("[RISK] approved %s %s proposal, max loss $%.2f", p.Symbol, p.Kind, p.MaxLossDollars())
	return nil
}

// overlaps reports whether a proposal duplicates an open position's risk:
// same underlying, same expiry date, same strategy kind.
func overlaps(p *models.StrategyProposal, pos *models.Position) bool {
	if pos.IsTerminal() {
		return false
	}
	return p.Symbol == pos.Symbol &&
		p.Kind == pos.Kind &&
		p.Expiry.UTC().Truncate(24*time.Hour).Equal(pos.Expiry.UTC().Truncate(24*time.Hour))
}

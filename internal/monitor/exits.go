package monitor

import (
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
)

// ExitDecision asks the coordinator to close a position. FlipRight is set
// only for reversal exits and names the right of the leg being closed, so
// the scalper can open the opposite side.
type ExitDecision struct {
	Position  *models.Position
	Reason    models.ExitReason
	FlipRight models.OptionRight
}

// EvaluateExits marks every open position on the snapshot's symbol and
// returns close decisions in priority order per position. Stop-loss beats
// reversal beats profit target beats trailing stop beats expiry. Positions
// flagged for resync are left alone.
func (m *Monitor) EvaluateExits(snap *market.Snapshot, now time.Time) []ExitDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	var decisions []ExitDecision
	for _, t := range m.positions {
		pos := t.pos
		if pos.State != models.StateOpen || pos.Symbol != snap.Symbol || pos.NeedsResync {
			continue
		}

		pnl, ok := m.markLocked(pos, snap)
		if !ok {
			m.logger.Printf("[MONITOR] no marks for position %s, exit check skipped", pos.ID)
			continue
		}

		pos.CurrentPnL = pnl
		pos.UpdateHighWaterMark(pnl)
		pos.DTE = daysToExpiry(now, pos.Expiry)
		pos.LastChecked = now

		if !pos.TrailingActive && m.limits.TrailingActivation > 0 && pnl >= m.limits.TrailingActivation*pos.MaxProfitDollars() {
			pos.TrailingActive = true
			m.logger.Printf("[MONITOR] trailing stop armed for %s at $%.2f", pos.ID, pnl)
		}

		if reason, flip := m.exitReasonLocked(pos, snap, pnl); reason != "" {
			cp := *pos
			decisions = append(decisions, ExitDecision{Position: &cp, Reason: reason, FlipRight: flip})
			m.logger.Printf("[MONITOR] exit %s for %s (pnl $%.2f, hwm $%.2f, dte %d)",
				reason, pos.ID, pnl, pos.HighWaterMark, pos.DTE)
		}

		if err := m.store.SavePosition(pos); err != nil {
			m.logger.Printf("[MONITOR] persist marks for %s: %v", pos.ID, err)
		}
	}
	return decisions
}

// exitReasonLocked applies the exit rules in priority order and returns the
// first that fires, or empty.
func (m *Monitor) exitReasonLocked(pos *models.Position, snap *market.Snapshot, pnl float64) (models.ExitReason, models.OptionRight) {
	creditAtRisk := pos.EntryCreditDollars()
	if creditAtRisk < 0 {
		creditAtRisk = -creditAtRisk
	}
	if m.limits.StopLossMult > 0 && creditAtRisk > 0 && pnl <= -m.limits.StopLossMult*creditAtRisk {
		return models.ExitStopLoss, ""
	}

	if pos.Kind == models.KindScalper {
		if right, flipped := reversalAgainst(pos, snap); flipped {
			return models.ExitReversal, right
		}
	}

	if m.limits.ProfitTarget > 0 && pnl >= m.limits.ProfitTarget*pos.MaxProfitDollars() {
		return models.ExitProfitTarget, ""
	}

	if pos.TrailingActive && pos.HighWaterMark > 0 && pnl < pos.HighWaterMark*(1-m.limits.TrailingStep) {
		return models.ExitTrailingStop, ""
	}

	// Scalper positions expire same-week and exit on their own rules.
	if pos.Kind != models.KindScalper && pos.DTE <= m.limits.DTEExit {
		return models.ExitDTE, ""
	}
	return "", ""
}

// reversalAgainst reports whether momentum has flipped against a scalper's
// long leg.
func reversalAgainst(pos *models.Position, snap *market.Snapshot) (models.OptionRight, bool) {
	if len(pos.Legs) == 0 {
		return "", false
	}
	right := pos.Legs[0].Right
	signal := market.DetectMomentum(snap.History, market.DefaultMomentumConfig())
	switch right {
	case models.RightCall:
		if signal == market.SignalBearish || signal == market.SignalReversalDown {
			return right, true
		}
	case models.RightPut:
		if signal == market.SignalBullish || signal == market.SignalReversalUp {
			return right, true
		}
	}
	return "", false
}

// markLocked computes live unrealized P&L in dollars from quote mids. It
// fails when any leg lacks a usable quote.
func (m *Monitor) markLocked(pos *models.Position, snap *market.Snapshot) (float64, bool) {
	var pnl float64
	for i := range pos.Legs {
		leg := &pos.Legs[i]
		q := snap.FindQuote(leg.Strike, leg.Right, leg.Expiry)
		if q == nil {
			return 0, false
		}
		diff := q.Mid() - leg.FillPrice
		if leg.Action == models.ActionSell {
			diff = -diff
		}
		pnl += diff * float64(leg.FilledQuantity) * pos.Multiplier
	}
	return pnl, true
}

func daysToExpiry(now, expiry time.Time) int {
	days := int(expiry.UTC().Truncate(24*time.Hour).Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Package strategy contains the entry logic for the three spread variants.
// Each strategy inspects a market snapshot and either proposes a trade or
// reports why no entry exists this cycle.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/util"
)

// ErrNoEntry is returned when a strategy finds no acceptable setup in the
// current snapshot. Callers treat it as a skip, not a failure.
var ErrNoEntry = errors.New("no entry signal")

// AccountView is the read-only account slice a strategy needs for sizing.
type AccountView struct {
	Balance       float64
	OpenPositions int
}

// Strategy is the shared capability contract of the spread variants.
type Strategy interface {
	Kind() models.StrategyKind
	Propose(snap *market.Snapshot, acct AccountView) (*models.StrategyProposal, error)
}

// weeklyExpiry returns the expiry date at least targetDTE days out, rolled
// forward to the next Friday. Futures options here trade weekly settlements.
func weeklyExpiry(now time.Time, targetDTE int) time.Time {
	d := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, targetDTE)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// positionSize converts account risk budget into a contract count, clamped
// to [1, maxContracts]. width and multiplier define worst-case loss per spread.
func positionSize(balance, riskPerTrade, width, multiplier float64, maxContracts int) int {
	if width <= 0 || multiplier <= 0 {
		return 1
	}
	perSpread := width * multiplier
	qty := int(balance * riskPerTrade / perSpread)
	if qty < 1 {
		qty = 1
	}
	if maxContracts > 0 && qty > maxContracts {
		qty = maxContracts
	}
	return qty
}

// shortStrikeByDelta picks the short strike for one side of a condor: the
// quote whose delta magnitude is closest to target among those at or below
// it. Ties go to the strike further out of the money. Returns nil when the
// best candidate misses the target by more than band.
func shortStrikeByDelta(quotes []market.StrikeQuote, target, band float64) *market.StrikeQuote {
	var best *market.StrikeQuote
	bestDist := math.MaxFloat64
	for i := range quotes {
		q := &quotes[i]
		mag := math.Abs(q.Delta)
		if mag == 0 || mag > target {
			continue
		}
		dist := target - mag
		if dist < bestDist || (dist == bestDist && furtherOTM(q, best)) {
			best = q
			bestDist = dist
		}
	}
	if best == nil || bestDist > band {
		return nil
	}
	return best
}

// furtherOTM reports whether a is further out of the money than b.
// Higher strike for calls, lower strike for puts.
func furtherOTM(a, b *market.StrikeQuote) bool {
	if b == nil {
		return true
	}
	if a.Right == models.RightCall {
		return a.Strike > b.Strike
	}
	return a.Strike < b.Strike
}

// selectExpiry picks the first listed expiry on or after the target date,
// falling back to the furthest listed one when the chain is shorter.
func selectExpiry(snap *market.Snapshot, target time.Time) (time.Time, error) {
	expiries := snap.Expiries()
	if len(expiries) == 0 {
		return time.Time{}, fmt.Errorf("no expiries in chain: %w", ErrNoEntry)
	}
	for _, e := range expiries {
		if !e.Before(target) {
			return e, nil
		}
	}
	return expiries[len(expiries)-1], nil
}

// netCreditFor prices a leg set at mid: credits from sells minus debits from
// buys, in points per spread. Missing or illiquid legs abort the proposal.
func netCreditFor(snap *market.Snapshot, legs []models.Leg, maxSpread float64) (float64, error) {
	var credit float64
	for i := range legs {
		l := &legs[i]
		q, err := requireQuote(snap, l.Strike, l.Right, l.Expiry, maxSpread)
		if err != nil {
			return 0, err
		}
		if l.Action == models.ActionSell {
			credit += q.Mid()
		} else {
			credit -= q.Mid()
		}
	}
	return credit, nil
}

// requireQuote fetches a leg quote and enforces presence and liquidity.
func requireQuote(snap *market.Snapshot, strike float64, right models.OptionRight, expiry time.Time, maxSpread float64) (*market.StrikeQuote, error) {
	q := snap.FindQuote(strike, right, expiry)
	if q == nil {
		return nil, fmt.Errorf("no quote for %.2f %s %s: %w",
			strike, right, expiry.Format("2006-01-02"), ErrNoEntry)
	}
	if maxSpread > 0 && q.Spread() > maxSpread {
		return nil, fmt.Errorf("%.2f %s spread %.2f exceeds %.2f: %w",
			strike, right, q.Spread(), maxSpread, ErrNoEntry)
	}
	return q, nil
}

// roundToInterval snaps a strike to the contract's listing interval.
func roundToInterval(strike, interval float64) float64 {
	return util.RoundToTick(strike, interval)
}

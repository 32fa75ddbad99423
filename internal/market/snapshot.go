// Package market normalizes raw quote and price events into the immutable
// snapshots consumed by the strategies and the position monitor.
package market

import (
	"sort"
	"time"

	"github.com/tbaxter/fopbot/internal/models"
)

// StrikeQuote is one option quote within a snapshot.
type StrikeQuote struct {
	Strike     float64            `json:"strike"`
	Expiry     time.Time          `json:"expiry"`
	Right      models.OptionRight `json:"right"`
	Bid        float64            `json:"bid"`
	Ask        float64            `json:"ask"`
	Delta      float64            `json:"delta"`
	ImpliedVol float64            `json:"implied_vol"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Mid returns the bid/ask midpoint.
func (q *StrikeQuote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns the bid/ask width.
func (q *StrikeQuote) Spread() float64 {
	return q.Ask - q.Bid
}

// Fresh reports whether the quote is younger than the freshness window.
func (q *StrikeQuote) Fresh(now time.Time, window time.Duration) bool {
	return !q.Timestamp.IsZero() && now.Sub(q.Timestamp) <= window
}

// PricePoint is one underlying price observation.
type PricePoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// Snapshot is a read-only view of the market at one instant. Strategies
// consume it without mutation; a new snapshot is built every cycle.
type Snapshot struct {
	Symbol          string       `json:"symbol"`
	UnderlyingPrice float64      `json:"underlying_price"`
	Timestamp       time.Time    `json:"timestamp"`
	Quotes          []StrikeQuote `json:"quotes"`
	History         []PricePoint `json:"history"`
	IVRank          float64      `json:"iv_rank"`
}

// FindQuote returns the quote for an exact strike/right/expiry, or nil.
func (s *Snapshot) FindQuote(strike float64, right models.OptionRight, expiry time.Time) *StrikeQuote {
	day := expiry.UTC().Truncate(24 * time.Hour)
	for i := range s.Quotes {
		q := &s.Quotes[i]
		if q.Right == right && nearlyEqual(q.Strike, strike) &&
			q.Expiry.UTC().Truncate(24*time.Hour).Equal(day) {
			return q
		}
	}
	return nil
}

// Strikes returns the quotes of the given right and expiry sorted by strike.
func (s *Snapshot) Strikes(right models.OptionRight, expiry time.Time) []StrikeQuote {
	day := expiry.UTC().Truncate(24 * time.Hour)
	out := make([]StrikeQuote, 0, len(s.Quotes)/2)
	for i := range s.Quotes {
		q := s.Quotes[i]
		if q.Right == right && q.Expiry.UTC().Truncate(24*time.Hour).Equal(day) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}

// Expiries returns the distinct expiry dates present in the snapshot, ascending.
func (s *Snapshot) Expiries() []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for i := range s.Quotes {
		day := s.Quotes[i].Expiry.UTC().Truncate(24 * time.Hour)
		if _, ok := seen[day]; !ok {
			seen[day] = struct{}{}
			out = append(out, day)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

const strikeEpsilon = 1e-4

func nearlyEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= strikeEpsilon
}

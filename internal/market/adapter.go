package market

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbaxter/fopbot/internal/models"
)

const (
	defaultMaxHistory = 240 // price points retained for momentum windows
	defaultMaxIVObs   = 500 // IV observations retained for rank
)

type quoteKey struct {
	strike float64
	right  models.OptionRight
	expiry time.Time // day-truncated UTC
}

// Adapter accumulates raw quote and tick events into a consistent book and
// hands out point-in-time snapshots. Safe for one writer (the feed) and any
// number of readers.
type Adapter struct {
	mu        sync.RWMutex
	symbol    string
	freshness time.Duration

	underlying float64
	lastTick   time.Time
	book       map[quoteKey]StrikeQuote
	history    []PricePoint
	ivObs      []float64

	connected atomic.Bool
	logger    *log.Logger
}

// NewAdapter creates an adapter for one underlying. freshness bounds how old
// quotes may be before Snapshot refuses to serve them.
func NewAdapter(symbol string, freshness time.Duration, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		symbol:    symbol,
		freshness: freshness,
		book:      make(map[quoteKey]StrikeQuote),
		logger:    logger,
	}
}

// Symbol returns the underlying this adapter tracks.
func (a *Adapter) Symbol() string { return a.symbol }

// SetConnected flips the feed health flag. While false, Snapshot fails and
// entry scans stay suspended.
func (a *Adapter) SetConnected(up bool) { a.connected.Store(up) }

// Connected reports the feed health flag.
func (a *Adapter) Connected() bool { return a.connected.Load() }

// ApplyQuote merges one option quote into the book. Quotes older than the
// entry already held for the same contract are discarded.
func (a *Adapter) ApplyQuote(q StrikeQuote) {
	key := quoteKey{
		strike: q.Strike,
		right:  q.Right,
		expiry: q.Expiry.UTC().Truncate(24 * time.Hour),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.book[key]; ok && q.Timestamp.Before(prev.Timestamp) {
		return
	}
	a.book[key] = q
	if q.ImpliedVol > 0 {
		a.ivObs = append(a.ivObs, q.ImpliedVol)
		if len(a.ivObs) > defaultMaxIVObs {
			a.ivObs = a.ivObs[len(a.ivObs)-defaultMaxIVObs:]
		}
	}
}

// ApplyTick records an underlying price observation.
func (a *Adapter) ApplyTick(price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ts.Before(a.lastTick) {
		return
	}
	a.underlying = price
	a.lastTick = ts
	a.history = append(a.history, PricePoint{Time: ts, Price: price})
	if len(a.history) > defaultMaxHistory {
		a.history = a.history[len(a.history)-defaultMaxHistory:]
	}
}

// Snapshot builds a point-in-time view of the book. It fails when the feed
// is down, no underlying price has arrived, or the last tick is stale.
func (a *Adapter) Snapshot(now time.Time) (*Snapshot, error) {
	if !a.connected.Load() {
		return nil, fmt.Errorf("feed disconnected for %s", a.symbol)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.underlying <= 0 {
		return nil, fmt.Errorf("no underlying price for %s", a.symbol)
	}
	if now.Sub(a.lastTick) > a.freshness {
		return nil, fmt.Errorf("stale underlying price for %s: last tick %s ago",
			a.symbol, now.Sub(a.lastTick).Round(time.Second))
	}

	snap := &Snapshot{
		Symbol:          a.symbol,
		UnderlyingPrice: a.underlying,
		Timestamp:       now,
		Quotes:          make([]StrikeQuote, 0, len(a.book)),
		History:         append([]PricePoint(nil), a.history...),
		IVRank:          ivRank(a.ivObs),
	}
	dropped := 0
	for _, q := range a.book {
		if !q.Fresh(now, a.freshness) {
			dropped++
			continue
		}
		snap.Quotes = append(snap.Quotes, q)
	}
	if dropped > 0 {
		a.logger.Printf("[MARKET] %s snapshot dropped %d stale quotes", a.symbol, dropped)
	}
	return snap, nil
}

// ivRank places the latest observation within the retained range, 0-100.
func ivRank(obs []float64) float64 {
	if len(obs) < 2 {
		return 50
	}
	lo, hi := obs[0], obs[0]
	for _, v := range obs {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		return 50
	}
	return (obs[len(obs)-1] - lo) / (hi - lo) * 100
}

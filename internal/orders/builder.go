// Package orders turns approved proposals and exit decisions into
// broker-agnostic multi-leg limit orders.
package orders

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/util"
)

// Intent marks whether an order opens or closes a position.
type Intent string

const (
	// IntentOpen establishes a new position
	IntentOpen Intent = "open"
	// IntentClose flattens an existing position
	IntentClose Intent = "close"
)

// OrderSpec is a complete multi-leg limit order ready for submission.
// LimitPrice is the combined net price in points, positive when the order
// collects a credit. Leg quantities are absolute contract counts.
type OrderSpec struct {
	ClientOrderID string              `json:"client_order_id"`
	Symbol        string              `json:"symbol"`
	Kind          models.StrategyKind `json:"kind"`
	Intent        Intent              `json:"intent"`
	Legs          []models.Leg        `json:"legs"`
	LimitPrice    float64             `json:"limit_price"`
	Quantity      int                 `json:"quantity"`
	PositionID    string              `json:"position_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// ErrStaleQuote marks a leg quote older than the freshness window.
var ErrStaleQuote = errors.New("quote stale")

// ErrMissingQuote marks a leg with no quote in the snapshot at all.
var ErrMissingQuote = errors.New("quote missing")

// ConstructionError reports which leg kept an order from being built.
type ConstructionError struct {
	Strike float64
	Right  models.OptionRight
	Err    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("cannot build order leg %.2f %s: %v", e.Strike, e.Right, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// Builder prices multi-leg orders off snapshot mids.
type Builder struct {
	freshness   time.Duration
	tick        float64
	improvement int // ticks conceded from net mid toward the fillable side
	logger      *log.Logger
}

// NewBuilder creates an order builder. tick is the option price increment.
func NewBuilder(freshness time.Duration, tick float64, improvementTicks int, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{
		freshness:   freshness,
		tick:        tick,
		improvement: improvementTicks,
		logger:      logger,
	}
}

// BuildEntry constructs the opening order for a proposal. Leg ratios are
// scaled out to absolute contract counts.
func (b *Builder) BuildEntry(p *models.StrategyProposal, snap *market.Snapshot) (*OrderSpec, error) {
	legs := make([]models.Leg, len(p.Legs))
	copy(legs, p.Legs)
	for i := range legs {
		legs[i].Quantity *= p.Quantity
	}

	limit, err := b.price(legs, snap)
	if err != nil {
		return nil, err
	}

	spec := &OrderSpec{
		ClientOrderID: clientOrderID("ent"),
		Symbol:        p.Symbol,
		Kind:          p.Kind,
		Intent:        IntentOpen,
		Legs:          legs,
		LimitPrice:    limit,
		Quantity:      p.Quantity,
		CreatedAt:     snap.Timestamp,
	}
	b.logger.Printf("[ORDERS] built %s %s order %s: %d legs, limit %.2f",
		spec.Kind, spec.Intent, spec.ClientOrderID, len(spec.Legs), spec.LimitPrice)
	return spec, nil
}

// BuildClose constructs the flattening order for an open position.
func (b *Builder) BuildClose(pos *models.Position, snap *market.Snapshot) (*OrderSpec, error) {
	legs := pos.ClosingLegs()
	limit, err := b.price(legs, snap)
	if err != nil {
		return nil, err
	}

	spec := &OrderSpec{
		ClientOrderID: clientOrderID("cls"),
		Symbol:        pos.Symbol,
		Kind:          pos.Kind,
		Intent:        IntentClose,
		Legs:          legs,
		LimitPrice:    limit,
		Quantity:      pos.Quantity,
		PositionID:    pos.ID,
		CreatedAt:     snap.Timestamp,
	}
	b.logger.Printf("[ORDERS] built %s %s order %s for position %s: limit %.2f",
		spec.Kind, spec.Intent, spec.ClientOrderID, pos.ID, spec.LimitPrice)
	return spec, nil
}

// price sums leg mids into a signed net price (credit positive) and steps it
// toward the fillable side by the configured improvement.
func (b *Builder) price(legs []models.Leg, snap *market.Snapshot) (float64, error) {
	var net float64
	for i := range legs {
		l := &legs[i]
		q := snap.FindQuote(l.Strike, l.Right, l.Expiry)
		if q == nil {
			return 0, &ConstructionError{Strike: l.Strike, Right: l.Right, Err: ErrMissingQuote}
		}
		if !q.Fresh(snap.Timestamp, b.freshness) {
			return 0, &ConstructionError{Strike: l.Strike, Right: l.Right, Err: ErrStaleQuote}
		}
		if l.Action == models.ActionSell {
			net += q.Mid()
		} else {
			net -= q.Mid()
		}
	}
	// Mid sums land off-grid. Snap credits down and debit magnitudes up so
	// the limit starts on-tick on the fillable side, then concede ticks the
	// same direction.
	if net >= 0 {
		net = util.FloorToTick(net, b.tick)
	} else {
		net = -util.CeilToTick(-net, b.tick)
	}
	net -= float64(b.improvement) * b.tick
	return net, nil
}

// clientOrderID derives a collision-resistant id from time plus a random
// nonce, short enough for broker order-tag fields.
func clientOrderID(prefix string) string {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		// Timestamp-only fallback keeps ids unique enough per process.
		return fmt.Sprintf("%s-%x", prefix, time.Now().UnixNano())
	}
	seed := fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(nonce))
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(sum[:8]))
}

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tbaxter/fopbot/internal/alerts"
	"github.com/tbaxter/fopbot/internal/broker"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/storage"
)

const positionsFetchTimeout = 8 * time.Second

// positionSource is the slice of the retry client the reconciler needs.
type positionSource interface {
	GetPositions(ctx context.Context) ([]broker.PositionReport, error)
}

// Reconciler squares stored positions with the venue's report at startup.
// Stored state the venue does not confirm is resolved or flagged before the
// trading loop starts.
type Reconciler struct {
	brk    positionSource
	store  storage.Interface
	hub    *alerts.Hub
	logger *log.Logger
}

// NewReconciler creates the startup reconciler.
func NewReconciler(brk positionSource, store storage.Interface, hub *alerts.Hub, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{brk: brk, store: store, hub: hub, logger: logger}
}

// contractKey identifies one option contract in a position report.
type contractKey struct {
	strike float64
	expiry time.Time
	right  models.OptionRight
}

// Reconcile resolves every stored non-terminal position against the broker
// report and returns the positions the monitor should track:
//   - pending positions are phantoms after a restart: their orders are gone,
//     so unfilled ones are cancelled and archived while those with partial
//     fills stay tracked with a resync flag
//   - closing positions revert to open so the exit rules re-trigger with
//     fresh prices
//   - open positions whose legs the venue no longer reports were closed
//     outside the bot and are archived
//   - open positions with a partial quantity mismatch are flagged for
//     resync, which pauses their underlying
//   - venue rows not explained by any stored position raise an alert
func (r *Reconciler) Reconcile(ctx context.Context) ([]*models.Position, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()
	reports, err := r.brk.GetPositions(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch broker positions: %w", err)
	}

	held := make(map[contractKey]int)
	for _, rep := range reports {
		held[keyFor(rep.Strike, rep.Expiry, rep.Right)] += rep.Quantity
	}

	stored := r.store.ActivePositions()
	r.logger.Printf("[RECONCILE] %d stored positions, %d venue contract rows", len(stored), len(reports))

	var keep []*models.Position
	explained := make(map[contractKey]int)

	for _, pos := range stored {
		switch pos.State {
		case models.StatePending:
			if hasFills(pos) {
				r.flagPartialPhantom(pos)
				r.consume(pos, explained)
				keep = append(keep, pos)
			} else {
				r.cancelPhantom(pos)
			}
		case models.StateClosing:
			r.reopenClosing(pos)
			r.consume(pos, explained)
			keep = append(keep, pos)
		case models.StateOpen:
			if kept := r.reconcileOpen(pos, held); kept {
				r.consume(pos, explained)
				keep = append(keep, pos)
			}
		default:
			// Terminal positions do not belong in the active set.
			r.logger.Printf("[RECONCILE] dropping terminal position %s (%s) from active set", pos.ID, pos.State)
		}
	}

	// Anything the venue holds beyond the kept positions is unknown risk.
	for key, qty := range held {
		if qty == explained[key] {
			continue
		}
		r.hub.Publish(alerts.Alert{
			Level:   alerts.LevelCritical,
			Kind:    alerts.KindReconcile,
			Message: "venue reports contracts not tracked by any stored position",
			Fields: map[string]interface{}{
				"strike":   key.strike,
				"right":    string(key.right),
				"expiry":   key.expiry.Format("2006-01-02"),
				"quantity": qty - explained[key],
			},
		})
		r.logger.Printf("[RECONCILE] unexplained venue contracts: %.2f %s x%d", key.strike, key.right, qty-explained[key])
	}

	return keep, nil
}

// cancelPhantom archives a pending position whose entry order did not
// survive the restart.
func (r *Reconciler) cancelPhantom(pos *models.Position) {
	r.logger.Printf("[RECONCILE] pending position %s has no live order, cancelling", pos.ID)
	if err := pos.TransitionState(models.StateCancelled, models.ConditionOrderTimeout); err != nil {
		r.logger.Printf("[RECONCILE] cancel phantom %s: %v", pos.ID, err)
		return
	}
	if err := r.store.SavePosition(pos); err != nil {
		r.logger.Printf("[RECONCILE] persist phantom %s: %v", pos.ID, err)
	}
	if err := r.store.ArchivePosition(pos.ID, 0); err != nil {
		r.logger.Printf("[RECONCILE] archive phantom %s: %v", pos.ID, err)
	}
}

// flagPartialPhantom keeps a pending position that got partial fills before
// the restart. Its contracts are real, so it stays tracked with a resync
// flag rather than archived.
func (r *Reconciler) flagPartialPhantom(pos *models.Position) {
	r.logger.Printf("[RECONCILE] pending position %s has partial fills, flagging resync", pos.ID)
	pos.NeedsResync = true
	if err := r.store.SavePosition(pos); err != nil {
		r.logger.Printf("[RECONCILE] persist partial phantom %s: %v", pos.ID, err)
	}
	r.hub.Publish(alerts.Alert{
		Level:   alerts.LevelCritical,
		Kind:    alerts.KindReconcile,
		Message: fmt.Sprintf("pending position %s holds partial fills from before the restart", pos.ID),
		Fields:  map[string]interface{}{"position": pos.ID},
	})
}

func hasFills(pos *models.Position) bool {
	for i := range pos.Legs {
		if pos.Legs[i].FilledQuantity > 0 {
			return true
		}
	}
	return false
}

// reopenClosing reverts a position whose close order did not survive the
// restart. The exit rules will fire again on the next cycle.
func (r *Reconciler) reopenClosing(pos *models.Position) {
	r.logger.Printf("[RECONCILE] position %s was closing, reverting to open for a fresh exit", pos.ID)
	if err := pos.TransitionState(models.StateOpen, models.ConditionCloseFailed); err != nil {
		r.logger.Printf("[RECONCILE] reopen %s: %v", pos.ID, err)
		return
	}
	pos.CloseOrderID = ""
	pos.ExitReason = ""
	if err := r.store.SavePosition(pos); err != nil {
		r.logger.Printf("[RECONCILE] persist reopened %s: %v", pos.ID, err)
	}
}

// reconcileOpen checks an open position's legs against the venue's holdings.
// It returns false when the position was archived.
func (r *Reconciler) reconcileOpen(pos *models.Position, held map[contractKey]int) bool {
	present := 0
	for i := range pos.Legs {
		key := keyFor(pos.Legs[i].Strike, pos.Legs[i].Expiry, pos.Legs[i].Right)
		need := signedQuantity(&pos.Legs[i])
		have := held[key]
		if need > 0 && have >= need || need < 0 && have <= need {
			present++
		}
	}

	switch present {
	case len(pos.Legs):
		if pos.NeedsResync {
			r.logger.Printf("[RECONCILE] position %s legs confirmed, clearing resync flag", pos.ID)
			pos.NeedsResync = false
			if err := r.store.SavePosition(pos); err != nil {
				r.logger.Printf("[RECONCILE] persist %s: %v", pos.ID, err)
			}
		}
		return true
	case 0:
		r.logger.Printf("[RECONCILE] position %s gone at venue, closed outside the bot", pos.ID)
		if err := pos.TransitionState(models.StateClosed, models.ConditionBrokerClosed); err != nil {
			r.logger.Printf("[RECONCILE] close %s: %v", pos.ID, err)
			return true
		}
		pos.ExitReason = models.ExitManual
		if err := r.store.SavePosition(pos); err != nil {
			r.logger.Printf("[RECONCILE] persist %s: %v", pos.ID, err)
		}
		// Realized amount is unknown for an out-of-band close.
		if err := r.store.ArchivePosition(pos.ID, pos.CurrentPnL); err != nil {
			r.logger.Printf("[RECONCILE] archive %s: %v", pos.ID, err)
		}
		r.hub.Publish(alerts.Alert{
			Level:   alerts.LevelWarning,
			Kind:    alerts.KindReconcile,
			Message: fmt.Sprintf("position %s was closed outside the bot", pos.ID),
			Fields:  map[string]interface{}{"position": pos.ID, "pnl": pos.CurrentPnL},
		})
		return false
	default:
		r.logger.Printf("[RECONCILE] position %s partially confirmed (%d of %d legs), flagging resync",
			pos.ID, present, len(pos.Legs))
		pos.NeedsResync = true
		if err := r.store.SavePosition(pos); err != nil {
			r.logger.Printf("[RECONCILE] persist %s: %v", pos.ID, err)
		}
		r.hub.Publish(alerts.Alert{
			Level:   alerts.LevelCritical,
			Kind:    alerts.KindReconcile,
			Message: fmt.Sprintf("position %s only partially confirmed by the venue", pos.ID),
			Fields:  map[string]interface{}{"position": pos.ID},
		})
		return true
	}
}

// consume records the venue contracts a kept position accounts for.
func (r *Reconciler) consume(pos *models.Position, explained map[contractKey]int) {
	for i := range pos.Legs {
		explained[keyFor(pos.Legs[i].Strike, pos.Legs[i].Expiry, pos.Legs[i].Right)] += signedQuantity(&pos.Legs[i])
	}
}

func keyFor(strike float64, expiry time.Time, right models.OptionRight) contractKey {
	return contractKey{strike: strike, expiry: expiry.UTC().Truncate(24 * time.Hour), right: right}
}

// signedQuantity maps a leg to a venue-style signed contract count.
func signedQuantity(l *models.Leg) int {
	if l.Action == models.ActionSell {
		return -l.FilledQuantity
	}
	return l.FilledQuantity
}

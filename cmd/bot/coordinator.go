package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tbaxter/fopbot/internal/alerts"
	"github.com/tbaxter/fopbot/internal/broker"
	"github.com/tbaxter/fopbot/internal/config"
	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/monitor"
	"github.com/tbaxter/fopbot/internal/orders"
	"github.com/tbaxter/fopbot/internal/risk"
	"github.com/tbaxter/fopbot/internal/strategy"
)

// Coordinator runs the trading loop: it pumps broker events into the
// monitor, evaluates exits on every cycle, and scans the enabled strategies
// for new entries during trading hours.
type Coordinator struct {
	cfg        *config.Config
	brk        broker.Broker
	adapter    *market.Adapter
	monitor    *monitor.Monitor
	gate       *risk.Gatekeeper
	account    *risk.Account
	builder    *orders.Builder
	hub        *alerts.Hub
	strategies []strategy.Strategy
	scalper    *strategy.Scalper // nil when the scalper is disabled
	logger     *log.Logger

	fillTimeout time.Duration
	newID       func() string
	now         func() time.Time
}

// NewCoordinator wires the trading loop.
func NewCoordinator(
	cfg *config.Config,
	brk broker.Broker,
	adapter *market.Adapter,
	mon *monitor.Monitor,
	gate *risk.Gatekeeper,
	account *risk.Account,
	builder *orders.Builder,
	hub *alerts.Hub,
	strategies []strategy.Strategy,
	scalper *strategy.Scalper,
	logger *log.Logger,
) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		cfg:         cfg,
		brk:         brk,
		adapter:     adapter,
		monitor:     mon,
		gate:        gate,
		account:     account,
		builder:     builder,
		hub:         hub,
		strategies:  strategies,
		scalper:     scalper,
		logger:      logger,
		fillTimeout: cfg.FillTimeout(),
		newID:       uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run pumps broker events and drives the scan cycle until the context ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ScanInterval())
	defer ticker.Stop()

	fills := c.brk.FillEvents()
	statuses := c.brk.OrderStatusEvents()

	c.logger.Println("[COORD] trading loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Println("[COORD] trading loop stopped")
			return ctx.Err()
		case ev, ok := <-fills:
			if !ok {
				return fmt.Errorf("fill stream closed")
			}
			c.monitor.HandleFill(ev)
		case ev, ok := <-statuses:
			if !ok {
				return fmt.Errorf("order status stream closed")
			}
			c.monitor.HandleStatus(ev)
		case <-ticker.C:
			c.runCycle(c.now())
		}
	}
}

// runCycle evaluates exits first, then scans for entries. Exit management
// never pauses; entries require trading hours and a clean account state.
func (c *Coordinator) runCycle(now time.Time) {
	snap, err := c.adapter.Snapshot(now)
	if err != nil {
		c.logger.Printf("[COORD] no usable snapshot, cycle skipped: %v", err)
		return
	}

	for _, d := range c.monitor.EvaluateExits(snap, now) {
		c.submitClose(snap, d, now)
	}

	if !c.cfg.IsWithinTradingHours(now) {
		return
	}
	if c.monitor.Paused(snap.Symbol) {
		c.resync()
		if c.monitor.Paused(snap.Symbol) {
			c.logger.Printf("[COORD] %s paused pending reconciliation, no entries", snap.Symbol)
			return
		}
	}

	view := c.account.Snapshot(now)
	acct := strategy.AccountView{Balance: view.Balance, OpenPositions: view.OpenSlots}
	for _, st := range c.strategies {
		p, err := st.Propose(snap, acct)
		if errors.Is(err, strategy.ErrNoEntry) {
			continue
		}
		if err != nil {
			c.logger.Printf("[COORD] %s propose failed: %v", st.Kind(), err)
			continue
		}
		c.submitEntry(snap, p, now)
	}
}

// submitEntry gates, builds, and submits one entry order. The gate reserves
// a position slot; every failure path below releases it.
func (c *Coordinator) submitEntry(snap *market.Snapshot, p *models.StrategyProposal, now time.Time) {
	if err := c.gate.Approve(p, c.monitor.OpenPositions(), now); err != nil {
		var rej *risk.Rejection
		if errors.As(err, &rej) && rej.Reason == risk.ReasonDailyLoss {
			c.hub.Publish(alerts.Alert{
				Level:   alerts.LevelCritical,
				Kind:    alerts.KindDailyLossCap,
				Message: "daily loss cap reached, entries halted for the day",
				Fields:  map[string]interface{}{"detail": rej.Detail},
			})
		}
		c.logger.Printf("[COORD] %s entry rejected: %v", p.Kind, err)
		return
	}

	spec, err := c.builder.BuildEntry(p, snap)
	if err != nil {
		c.account.ReleaseSlot()
		c.logger.Printf("[COORD] %s order construction failed: %v", p.Kind, err)
		return
	}

	orderID, err := c.brk.SubmitOrder(spec)
	if err != nil {
		c.account.ReleaseSlot()
		c.hub.Publish(alerts.Alert{
			Level:   alerts.LevelWarning,
			Kind:    alerts.KindBrokerRejected,
			Message: fmt.Sprintf("%s entry submit failed: %v", p.Kind, err),
		})
		return
	}

	pos := models.NewPosition(c.newID(), p)
	if err := c.monitor.TrackEntry(pos, orderID); err != nil {
		c.logger.Printf("[COORD] track entry %s: %v", pos.ID, err)
	}
	if p.Kind == models.KindScalper && c.scalper != nil {
		c.scalper.NoteEntry(now)
	}
	c.logger.Printf("[COORD] %s entry submitted: order %s, limit %.2f x%d",
		p.Kind, orderID, spec.LimitPrice, p.Quantity)

	go c.watchFill(pos.ID, orderID)
}

// watchFill cancels an entry that is still pending after the fill timeout.
func (c *Coordinator) watchFill(positionID, orderID string) {
	time.Sleep(c.fillTimeout)
	if !c.isPending(positionID) {
		return
	}
	c.logger.Printf("[COORD] order %s unfilled after %s, cancelling", orderID, c.fillTimeout)
	c.hub.Publish(alerts.Alert{
		Level:   alerts.LevelWarning,
		Kind:    alerts.KindOrderTimeout,
		Message: fmt.Sprintf("entry order %s timed out", orderID),
		Fields:  map[string]interface{}{"position": positionID},
	})
	if err := c.brk.CancelOrder(orderID); err != nil {
		// No cancel confirmation will arrive; clean up directly.
		c.logger.Printf("[COORD] cancel %s failed: %v", orderID, err)
		if err := c.monitor.ForceCancel(positionID); err != nil {
			c.logger.Printf("[COORD] force cancel %s: %v", positionID, err)
		}
	}
}

// watchClose abandons a close that is still working after the fill timeout,
// reverting the position to Open so the exit re-prices next cycle.
func (c *Coordinator) watchClose(positionID, orderID string) {
	time.Sleep(c.fillTimeout)
	if !c.isClosing(positionID, orderID) {
		return
	}
	c.logger.Printf("[COORD] close order %s unfilled after %s, cancelling", orderID, c.fillTimeout)
	c.hub.Publish(alerts.Alert{
		Level:   alerts.LevelWarning,
		Kind:    alerts.KindOrderTimeout,
		Message: fmt.Sprintf("close order %s timed out", orderID),
		Fields:  map[string]interface{}{"position": positionID},
	})
	if err := c.brk.CancelOrder(orderID); err != nil {
		// No cancel confirmation will arrive; revert directly.
		c.logger.Printf("[COORD] cancel %s failed: %v", orderID, err)
		if err := c.monitor.AbandonClose(positionID, orderID); err != nil {
			c.logger.Printf("[COORD] abandon close %s: %v", positionID, err)
		}
	}
}

func (c *Coordinator) isClosing(positionID, orderID string) bool {
	for _, pos := range c.monitor.OpenPositions() {
		if pos.ID == positionID {
			return pos.State == models.StateClosing && pos.CloseOrderID == orderID
		}
	}
	return false
}

// resync pulls the venue's live report and lets the monitor lift the pause
// when it matches the book again.
func (c *Coordinator) resync() {
	reports, err := c.brk.GetPositions()
	if err != nil {
		c.logger.Printf("[COORD] resync fetch failed: %v", err)
		return
	}
	if c.monitor.Resync(reports) {
		c.logger.Println("[COORD] resync resolved, entries resume")
	}
}

func (c *Coordinator) isPending(positionID string) bool {
	for _, pos := range c.monitor.OpenPositions() {
		if pos.ID == positionID {
			return pos.State == models.StatePending
		}
	}
	return false
}

// submitClose builds and submits the close order for an exit decision. A
// reversal exit additionally proposes the opposite-side scalp.
func (c *Coordinator) submitClose(snap *market.Snapshot, d monitor.ExitDecision, now time.Time) {
	spec, err := c.builder.BuildClose(d.Position, snap)
	if err != nil {
		c.logger.Printf("[COORD] close construction for %s failed, will retry: %v", d.Position.ID, err)
		return
	}
	orderID, err := c.brk.SubmitOrder(spec)
	if err != nil {
		c.hub.Publish(alerts.Alert{
			Level:   alerts.LevelWarning,
			Kind:    alerts.KindBrokerRejected,
			Message: fmt.Sprintf("close submit for %s failed: %v", d.Position.ID, err),
		})
		return
	}
	if err := c.monitor.TrackClose(d.Position.ID, orderID, d.Reason); err != nil {
		c.logger.Printf("[COORD] track close %s: %v", d.Position.ID, err)
		return
	}
	c.logger.Printf("[COORD] close submitted for %s (%s): order %s", d.Position.ID, d.Reason, orderID)

	go c.watchClose(d.Position.ID, orderID)

	if d.Reason == models.ExitReversal && d.FlipRight != "" && c.scalper != nil {
		c.flipScalp(snap, d.FlipRight, now)
	}
}

// flipScalp opens the opposite side after a reversal exit, subject to the
// same gate as any entry.
func (c *Coordinator) flipScalp(snap *market.Snapshot, closed models.OptionRight, now time.Time) {
	p, err := c.scalper.ProposeOpposite(snap, closed)
	if errors.Is(err, strategy.ErrNoEntry) {
		return
	}
	if err != nil {
		c.logger.Printf("[COORD] reversal flip propose failed: %v", err)
		return
	}
	c.logger.Printf("[COORD] reversal flip: closing %s side, opening opposite", closed)
	c.submitEntry(snap, p, now)
}

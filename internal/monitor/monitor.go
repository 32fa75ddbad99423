// Package monitor owns the lifecycle of every position: fills in, exit
// rules evaluated against live marks, realized P&L out.
package monitor

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tbaxter/fopbot/internal/alerts"
	"github.com/tbaxter/fopbot/internal/broker"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/risk"
	"github.com/tbaxter/fopbot/internal/storage"
)

// tracked pairs a live position with its fill bookkeeping.
type tracked struct {
	pos       *models.Position
	closeLegs []models.Leg
	seenFills map[string]bool
}

// Monitor tracks every non-terminal position and applies broker events to
// them. All mutations go through the monitor's lock; callers get copies.
type Monitor struct {
	mu        sync.Mutex
	positions map[string]*tracked
	byOrder   map[string]string // broker order id -> position id
	paused    map[string]bool   // underlying -> entry scanning paused

	store   storage.Interface
	account *risk.Account
	limits  risk.Limits
	hub     *alerts.Hub
	logger  *log.Logger
}

// NewMonitor creates the position monitor.
func NewMonitor(store storage.Interface, account *risk.Account, limits risk.Limits, hub *alerts.Hub, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		positions: make(map[string]*tracked),
		byOrder:   make(map[string]string),
		paused:    make(map[string]bool),
		store:     store,
		account:   account,
		limits:    limits,
		hub:       hub,
		logger:    logger,
	}
}

// Restore re-registers persisted non-terminal positions at startup and
// reserves their account slots.
func (m *Monitor) Restore(positions []*models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range positions {
		if pos.IsTerminal() {
			continue
		}
		t := &tracked{pos: pos, seenFills: make(map[string]bool)}
		m.positions[pos.ID] = t
		if pos.EntryOrderID != "" {
			m.byOrder[pos.EntryOrderID] = pos.ID
		}
		if pos.CloseOrderID != "" {
			m.byOrder[pos.CloseOrderID] = pos.ID
			t.closeLegs = pos.ClosingLegs()
		}
		if pos.NeedsResync {
			m.paused[pos.Symbol] = true
		}
		m.account.RestoreSlot()
		m.logger.Printf("[MONITOR] restored position %s (%s, %s)", pos.ID, pos.Kind, pos.State)
	}
}

// TrackEntry registers a freshly submitted entry order. The position's slot
// was already reserved by the gatekeeper.
func (m *Monitor) TrackEntry(pos *models.Position, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos.EntryOrderID = orderID
	m.positions[pos.ID] = &tracked{pos: pos, seenFills: make(map[string]bool)}
	m.byOrder[orderID] = pos.ID
	return m.store.SavePosition(pos)
}

// TrackClose registers a submitted close order and moves the position to
// Closing.
func (m *Monitor) TrackClose(positionID, orderID string, reason models.ExitReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[positionID]
	if !ok {
		return fmt.Errorf("track close: unknown position %s", positionID)
	}
	t.pos.CloseOrderID = orderID
	t.pos.ExitReason = reason
	if err := t.pos.TransitionState(models.StateClosing, models.ConditionExitTriggered); err != nil {
		return err
	}
	t.closeLegs = t.pos.ClosingLegs()
	m.byOrder[orderID] = positionID
	return m.store.SavePosition(t.pos)
}

// OpenPositions returns copies of all non-terminal positions.
func (m *Monitor) OpenPositions() []*models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Position, 0, len(m.positions))
	for _, t := range m.positions {
		cp := *t.pos
		out = append(out, &cp)
	}
	return out
}

// Paused reports whether entry scanning for an underlying is suspended
// pending reconciliation.
func (m *Monitor) Paused(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[symbol]
}

// contract keys one option holding for venue comparison.
type contract struct {
	strike float64
	expiry time.Time
	right  models.OptionRight
}

// Resync compares the book against the venue's live position report and
// clears resync flags and symbol pauses once the two agree exactly. Flagged
// positions still Pending stay flagged: a dead entry holding contracts has
// no automatic path forward.
func (m *Monitor) Resync(reports []broker.PositionReport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := make(map[contract]int)
	for _, r := range reports {
		key := contract{r.Strike, r.Expiry.Truncate(24 * time.Hour), r.Right}
		held[key] += r.Quantity
	}
	want := make(map[contract]int)
	for _, t := range m.positions {
		accumulateHoldings(want, t.pos.Legs)
		accumulateHoldings(want, t.closeLegs)
	}
	for k, n := range want {
		if n == 0 {
			delete(want, k)
		}
	}
	for k, n := range held {
		if n == 0 {
			delete(held, k)
		}
	}
	if len(held) != len(want) {
		return false
	}
	for k, n := range want {
		if held[k] != n {
			return false
		}
	}

	resolved := true
	cleared := 0
	for _, t := range m.positions {
		if !t.pos.NeedsResync {
			continue
		}
		if t.pos.State == models.StatePending {
			resolved = false
			continue
		}
		t.pos.NeedsResync = false
		if err := m.store.SavePosition(t.pos); err != nil {
			m.logger.Printf("[MONITOR] persist resynced position %s: %v", t.pos.ID, err)
		}
		cleared++
	}
	m.paused = make(map[string]bool)
	for _, t := range m.positions {
		if t.pos.NeedsResync {
			m.paused[t.pos.Symbol] = true
		}
	}
	if cleared > 0 {
		m.hub.Publish(alerts.Alert{
			Level:   alerts.LevelInfo,
			Kind:    alerts.KindReconcile,
			Message: fmt.Sprintf("venue report matches the book, %d position(s) resynced", cleared),
		})
		m.logger.Printf("[MONITOR] resync resolved, %d position(s) cleared", cleared)
	}
	return resolved
}

// accumulateHoldings adds signed filled quantities, negative for short.
func accumulateHoldings(dst map[contract]int, legs []models.Leg) {
	for i := range legs {
		q := legs[i].FilledQuantity
		if q == 0 {
			continue
		}
		if legs[i].Action == models.ActionSell {
			q = -q
		}
		key := contract{legs[i].Strike, legs[i].Expiry.Truncate(24 * time.Hour), legs[i].Right}
		dst[key] += q
	}
}

// HandleFill applies one fill event. Duplicate fill ids are dropped, fills
// for unknown orders are logged and dropped, and a fill that does not match
// any outstanding leg quantity flags the position for resync.
func (m *Monitor) HandleFill(ev broker.FillEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	posID, ok := m.byOrder[ev.OrderID]
	if !ok {
		m.logger.Printf("[MONITOR] fill %s for unknown order %s, dropped", ev.FillID, ev.OrderID)
		return
	}
	t := m.positions[posID]
	if t == nil {
		m.logger.Printf("[MONITOR] fill %s for retired position %s, dropped", ev.FillID, posID)
		return
	}
	if t.seenFills[ev.FillID] {
		m.logger.Printf("[MONITOR] duplicate fill %s ignored", ev.FillID)
		return
	}
	t.seenFills[ev.FillID] = true

	closing := ev.OrderID == t.pos.CloseOrderID && t.pos.CloseOrderID != ""
	legs := t.pos.Legs
	if closing {
		legs = t.closeLegs
	}

	leg := matchLeg(legs, ev)
	if leg == nil || ev.Quantity <= 0 || ev.Quantity > leg.Outstanding() {
		m.flagResyncLocked(t, ev)
		return
	}

	// Weighted average preserves the blended price across partial fills.
	total := leg.FilledQuantity + ev.Quantity
	leg.FillPrice = (leg.FillPrice*float64(leg.FilledQuantity) + ev.Price*float64(ev.Quantity)) / float64(total)
	leg.FilledQuantity = total

	if closing {
		m.onCloseFillLocked(t, ev.Timestamp)
	} else {
		m.onEntryFillLocked(t)
	}
}

// matchLeg finds the leg a fill belongs to.
func matchLeg(legs []models.Leg, ev broker.FillEvent) *models.Leg {
	probe := models.Leg{Strike: ev.Strike, Expiry: ev.Expiry, Right: ev.Right, Action: ev.Action}
	for i := range legs {
		if legs[i].Matches(&probe) {
			return &legs[i]
		}
	}
	return nil
}

// onEntryFillLocked checks for full fill and opens the position. Partial
// fills stay Pending and are re-evaluated on each event.
func (m *Monitor) onEntryFillLocked(t *tracked) {
	if !t.pos.FullyFilled() {
		if err := m.store.SavePosition(t.pos); err != nil {
			m.logger.Printf("[MONITOR] persist partial fill for %s: %v", t.pos.ID, err)
		}
		return
	}

	// Actual blended entry credit in points per spread.
	t.pos.EntryCredit = cashPoints(t.pos.Legs) / float64(t.pos.Quantity)
	if err := t.pos.TransitionState(models.StateOpen, models.ConditionOrderFilled); err != nil {
		m.logger.Printf("[MONITOR] open transition for %s: %v", t.pos.ID, err)
		return
	}
	if err := m.store.SavePosition(t.pos); err != nil {
		m.logger.Printf("[MONITOR] persist open position %s: %v", t.pos.ID, err)
	}
	m.logger.Printf("[MONITOR] position %s open, entry credit %.2f", t.pos.ID, t.pos.EntryCredit)
}

// onCloseFillLocked checks for full close fill and finalizes the position.
func (m *Monitor) onCloseFillLocked(t *tracked, ts time.Time) {
	for i := range t.closeLegs {
		if !t.closeLegs[i].Filled() {
			return
		}
	}

	realized := (cashPoints(t.pos.Legs) + cashPoints(t.closeLegs)) * t.pos.Multiplier
	t.pos.CurrentPnL = realized
	if err := t.pos.TransitionState(models.StateClosed, models.ConditionCloseFilled); err != nil {
		m.logger.Printf("[MONITOR] close transition for %s: %v", t.pos.ID, err)
		return
	}
	m.finalizeLocked(t, realized, ts)
	m.logger.Printf("[MONITOR] position %s closed (%s), realized $%.2f", t.pos.ID, t.pos.ExitReason, realized)
}

// finalizeLocked posts P&L, archives, releases the slot, and retires the
// position from the registry.
func (m *Monitor) finalizeLocked(t *tracked, realized float64, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := m.store.SavePosition(t.pos); err != nil {
		m.logger.Printf("[MONITOR] persist terminal position %s: %v", t.pos.ID, err)
	}
	if err := m.store.ArchivePosition(t.pos.ID, realized); err != nil {
		m.logger.Printf("[MONITOR] archive position %s: %v", t.pos.ID, err)
	}
	if t.pos.State == models.StateClosed {
		m.account.PostRealized(realized, ts)
	}
	m.account.ReleaseSlot()

	delete(m.byOrder, t.pos.EntryOrderID)
	delete(m.byOrder, t.pos.CloseOrderID)
	delete(m.positions, t.pos.ID)
}

// flagResyncLocked marks a reconciliation anomaly and pauses the underlying.
func (m *Monitor) flagResyncLocked(t *tracked, ev broker.FillEvent) {
	t.pos.NeedsResync = true
	m.paused[t.pos.Symbol] = true
	if err := m.store.SavePosition(t.pos); err != nil {
		m.logger.Printf("[MONITOR] persist resync flag for %s: %v", t.pos.ID, err)
	}
	m.hub.Publish(alerts.Alert{
		Level:   alerts.LevelCritical,
		Kind:    alerts.KindFillMismatch,
		Message: fmt.Sprintf("fill %s does not match position %s, trading %s paused", ev.FillID, t.pos.ID, t.pos.Symbol),
		Fields: map[string]interface{}{
			"position": t.pos.ID,
			"order":    ev.OrderID,
			"strike":   ev.Strike,
			"quantity": ev.Quantity,
		},
	})
	m.logger.Printf("[MONITOR] fill mismatch on %s: %+v", t.pos.ID, ev)
}

// HandleStatus applies an order-level status change.
func (m *Monitor) HandleStatus(ev broker.OrderStatusEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	posID, ok := m.byOrder[ev.OrderID]
	if !ok {
		m.logger.Printf("[MONITOR] status %s for unknown order %s, dropped", ev.Status, ev.OrderID)
		return
	}
	t := m.positions[posID]
	if t == nil {
		return
	}

	switch ev.Status {
	case broker.StatusCancelled, broker.StatusRejected:
		if ev.OrderID == t.pos.CloseOrderID && t.pos.CloseOrderID != "" {
			m.closeFailedLocked(t, ev)
		} else {
			m.entryDeadLocked(t, ev)
		}
	case broker.StatusSubmitted, broker.StatusPartiallyFilled, broker.StatusFilled:
		// Fill events carry the actual quantities.
	default:
		m.logger.Printf("[MONITOR] unknown order status %q for %s", ev.Status, ev.OrderID)
	}
}

// entryDeadLocked cancels a position whose entry order died before filling.
// A terminal status after partial fills means the account holds real
// contracts, so the position goes through resync instead of Cancelled.
func (m *Monitor) entryDeadLocked(t *tracked, ev broker.OrderStatusEvent) {
	for i := range t.pos.Legs {
		if t.pos.Legs[i].FilledQuantity > 0 {
			m.partialEntryDeadLocked(t, ev)
			return
		}
	}
	condition := models.ConditionOrderCancelled
	if ev.Status == broker.StatusRejected {
		condition = models.ConditionOrderRejected
		m.hub.Publish(alerts.Alert{
			Level:   alerts.LevelWarning,
			Kind:    alerts.KindBrokerRejected,
			Message: fmt.Sprintf("entry order for %s rejected: %s", t.pos.ID, ev.Reason),
			Fields:  map[string]interface{}{"position": t.pos.ID, "order": ev.OrderID},
		})
	}
	if err := t.pos.TransitionState(models.StateCancelled, condition); err != nil {
		m.logger.Printf("[MONITOR] cancel transition for %s: %v", t.pos.ID, err)
		return
	}
	m.finalizeLocked(t, 0, ev.Timestamp)
	m.logger.Printf("[MONITOR] position %s cancelled (%s)", t.pos.ID, ev.Status)
}

// partialEntryDeadLocked keeps a partially filled dead entry alive with a
// resync flag. The slot stays reserved until the held contracts are resolved.
func (m *Monitor) partialEntryDeadLocked(t *tracked, ev broker.OrderStatusEvent) {
	t.pos.NeedsResync = true
	m.paused[t.pos.Symbol] = true
	if err := m.store.SavePosition(t.pos); err != nil {
		m.logger.Printf("[MONITOR] persist resync flag for %s: %v", t.pos.ID, err)
	}
	m.hub.Publish(alerts.Alert{
		Level:   alerts.LevelCritical,
		Kind:    alerts.KindFillMismatch,
		Message: fmt.Sprintf("entry order for %s %s after partial fills, trading %s paused", t.pos.ID, ev.Status, t.pos.Symbol),
		Fields:  map[string]interface{}{"position": t.pos.ID, "order": ev.OrderID},
	})
	m.logger.Printf("[MONITOR] entry order %s %s with partial fills on %s, flagged for resync", ev.OrderID, ev.Status, t.pos.ID)
}

// closeFailedLocked reverts a failed close so the exit can be retried with
// fresh prices.
func (m *Monitor) closeFailedLocked(t *tracked, ev broker.OrderStatusEvent) {
	if err := t.pos.TransitionState(models.StateOpen, models.ConditionCloseFailed); err != nil {
		m.logger.Printf("[MONITOR] close-failed transition for %s: %v", t.pos.ID, err)
		return
	}
	delete(m.byOrder, t.pos.CloseOrderID)
	t.pos.CloseOrderID = ""
	t.pos.ExitReason = ""
	t.closeLegs = nil
	if err := m.store.SavePosition(t.pos); err != nil {
		m.logger.Printf("[MONITOR] persist reopened position %s: %v", t.pos.ID, err)
	}
	m.hub.Publish(alerts.Alert{
		Level:   alerts.LevelWarning,
		Kind:    alerts.KindBrokerRejected,
		Message: fmt.Sprintf("close order for %s failed (%s), will retry", t.pos.ID, ev.Status),
		Fields:  map[string]interface{}{"position": t.pos.ID, "order": ev.OrderID},
	})
}

// ForceCancel kills a pending position when its order timed out and the
// venue never sent a terminal status.
func (m *Monitor) ForceCancel(positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[positionID]
	if !ok {
		return fmt.Errorf("force cancel: unknown position %s", positionID)
	}
	if t.pos.State != models.StatePending {
		return fmt.Errorf("force cancel: position %s is %s", positionID, t.pos.State)
	}
	if err := t.pos.TransitionState(models.StateCancelled, models.ConditionOrderTimeout); err != nil {
		return err
	}
	m.finalizeLocked(t, 0, time.Now().UTC())
	return nil
}

// AbandonClose reverts a closing position whose close order timed out so the
// exit re-fires with fresh prices on the next cycle.
func (m *Monitor) AbandonClose(positionID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[positionID]
	if !ok {
		return fmt.Errorf("abandon close: unknown position %s", positionID)
	}
	if t.pos.State != models.StateClosing || t.pos.CloseOrderID != orderID {
		return fmt.Errorf("abandon close: position %s is %s with close order %q", positionID, t.pos.State, t.pos.CloseOrderID)
	}
	m.closeFailedLocked(t, broker.OrderStatusEvent{OrderID: orderID, Status: broker.StatusCancelled})
	return nil
}

// cashPoints sums signed fill cashflows in points across absolute contract
// counts: sells collect, buys pay.
func cashPoints(legs []models.Leg) float64 {
	var total float64
	for i := range legs {
		amt := legs[i].FillPrice * float64(legs[i].FilledQuantity)
		if legs[i].Action == models.ActionSell {
			total += amt
		} else {
			total -= amt
		}
	}
	return total
}

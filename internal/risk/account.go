package risk

import (
	"sync"
	"time"
)

// View is a consistent read of the account taken under the lock.
type View struct {
	Balance       float64
	OpenSlots     int
	RealizedToday float64
}

// Account is the single shared mutable aggregate: balance, today's realized
// P&L, and the open-position slot count. Slots are reserved at approval time
// and released on terminal states, so the max-positions invariant holds even
// when proposals race.
type Account struct {
	mu            sync.Mutex
	balance       float64
	day           time.Time
	realizedToday float64
	slots         int
}

// NewAccount creates the account aggregate with a starting balance.
func NewAccount(balance float64) *Account {
	return &Account{balance: balance}
}

// Gate runs the approval checks under the account lock and reserves a slot
// when they pass. The slot must be released when the resulting position
// reaches a terminal state.
func (a *Account) Gate(now time.Time, approve func(v View) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked(now)
	if err := approve(a.viewLocked()); err != nil {
		return err
	}
	a.slots++
	return nil
}

// ReleaseSlot frees one reserved position slot.
func (a *Account) ReleaseSlot() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slots > 0 {
		a.slots--
	}
}

// RestoreSlot re-reserves a slot without gating, used when rebuilding state
// from storage at startup.
func (a *Account) RestoreSlot() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots++
}

// PostRealized applies a closed trade's realized P&L to the balance and the
// daily total.
func (a *Account) PostRealized(pnl float64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked(now)
	a.balance += pnl
	a.realizedToday += pnl
}

// SetRealizedToday seeds the daily total from persisted state at startup.
func (a *Account) SetRealizedToday(pnl float64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked(now)
	a.realizedToday = pnl
}

// SetBalance overwrites the balance from a broker report.
func (a *Account) SetBalance(balance float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = balance
}

// Snapshot returns a consistent read of the account.
func (a *Account) Snapshot(now time.Time) View {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked(now)
	return a.viewLocked()
}

func (a *Account) viewLocked() View {
	return View{
		Balance:       a.balance,
		OpenSlots:     a.slots,
		RealizedToday: a.realizedToday,
	}
}

// rolloverLocked resets the daily total lazily when the trading day changes.
func (a *Account) rolloverLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(a.day) {
		a.day = day
		a.realizedToday = 0
	}
}

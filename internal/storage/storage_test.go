package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tbaxter/fopbot/internal/models"
)

var testExpiry = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func samplePosition(id string) *models.Position {
	p := &models.StrategyProposal{
		Kind:   models.KindIronCondor,
		Symbol: "MES",
		Legs: []models.Leg{
			{Strike: 5100, Expiry: testExpiry, Right: models.RightCall, Action: models.ActionSell, Quantity: 1},
			{Strike: 5150, Expiry: testExpiry, Right: models.RightCall, Action: models.ActionBuy, Quantity: 1},
			{Strike: 4900, Expiry: testExpiry, Right: models.RightPut, Action: models.ActionSell, Quantity: 1},
			{Strike: 4850, Expiry: testExpiry, Right: models.RightPut, Action: models.ActionBuy, Quantity: 1},
		},
		Expiry:     testExpiry,
		NetCredit:  2.30,
		MaxLoss:    47.70,
		MaxProfit:  2.30,
		Quantity:   2,
		Multiplier: 5,
	}
	return models.NewPosition(id, p)
}

func tempStore(t *testing.T) (*JSONStorage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage() error: %v", err)
	}
	return s, path
}

func TestSaveAndGetPosition(t *testing.T) {
	s, _ := tempStore(t)
	pos := samplePosition("pos-1")

	if err := s.SavePosition(pos); err != nil {
		t.Fatalf("SavePosition() error: %v", err)
	}
	got, err := s.GetPosition("pos-1")
	if err != nil {
		t.Fatalf("GetPosition() error: %v", err)
	}
	if got.Symbol != "MES" || len(got.Legs) != 4 {
		t.Errorf("round-tripped position mangled: %+v", got)
	}

	// The store hands out copies, not aliases.
	got.Symbol = "MNQ"
	again, _ := s.GetPosition("pos-1")
	if again.Symbol != "MES" {
		t.Error("GetPosition must return an independent copy")
	}

	if _, err := s.GetPosition("missing"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("want ErrPositionNotFound, got %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	s, path := tempStore(t)
	pos := samplePosition("pos-1")
	pos.EntryCredit = 2.30
	pos.HighWaterMark = 12.5
	if err := s.SavePosition(pos); err != nil {
		t.Fatalf("SavePosition() error: %v", err)
	}

	re, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	got, err := re.GetPosition("pos-1")
	if err != nil {
		t.Fatalf("GetPosition() after reopen: %v", err)
	}
	if got.HighWaterMark != 12.5 {
		t.Errorf("high-water mark = %v, want 12.5", got.HighWaterMark)
	}
	if got.State != models.StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	// The runtime machine rebuilds from the persisted state.
	if err := got.TransitionState(models.StateOpen, models.ConditionOrderFilled); err != nil {
		t.Errorf("transition after restore: %v", err)
	}
}

func TestArchivePosition(t *testing.T) {
	s, _ := tempStore(t)
	pos := samplePosition("pos-1")
	pos.CloseTime = time.Date(2024, 3, 8, 20, 0, 0, 0, time.UTC)
	if err := s.SavePosition(pos); err != nil {
		t.Fatalf("SavePosition() error: %v", err)
	}

	if err := s.ArchivePosition("pos-1", 11.5); err != nil {
		t.Fatalf("ArchivePosition() error: %v", err)
	}

	if _, err := s.GetPosition("pos-1"); !errors.Is(err, ErrPositionNotFound) {
		t.Error("archived position should leave the active set")
	}
	hist := s.History()
	if len(hist) != 1 || hist[0].RealizedPnL != 11.5 {
		t.Fatalf("history = %+v", hist)
	}
	if got := s.DailyPnL(pos.CloseTime); got != 11.5 {
		t.Errorf("daily pnl = %v, want 11.5", got)
	}
	if err := s.ArchivePosition("pos-1", 0); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("double archive should fail, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	s, _ := tempStore(t)
	day := time.Date(2024, 3, 8, 20, 0, 0, 0, time.UTC)
	results := []float64{20, 15, -40, 10}

	for i, pnl := range results {
		pos := samplePosition(string(rune('a' + i)))
		pos.CloseTime = day
		if err := s.SavePosition(pos); err != nil {
			t.Fatalf("SavePosition() error: %v", err)
		}
		if err := s.ArchivePosition(pos.ID, pnl); err != nil {
			t.Fatalf("ArchivePosition() error: %v", err)
		}
	}

	st := s.Statistics()
	if st.TotalTrades != 4 || st.Wins != 3 || st.Losses != 1 {
		t.Errorf("counts = %d/%d/%d, want 4/3/1", st.TotalTrades, st.Wins, st.Losses)
	}
	if st.TotalPnL != 5 {
		t.Errorf("total pnl = %v, want 5", st.TotalPnL)
	}
	if st.AvgWin() != 15 {
		t.Errorf("avg win = %v, want 15", st.AvgWin())
	}
	if st.AvgLoss() != 40 {
		t.Errorf("avg loss = %v, want 40", st.AvgLoss())
	}
	if st.CurrentStreak != 1 {
		t.Errorf("streak = %d, want 1", st.CurrentStreak)
	}
	// Peak 35 after two wins, trough -5 after the loss.
	if st.MaxDrawdown != 40 {
		t.Errorf("max drawdown = %v, want 40", st.MaxDrawdown)
	}
	if got := s.DailyPnL(day); got != 5 {
		t.Errorf("daily pnl = %v, want 5", got)
	}
}

func TestCorruptFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONStorage(path); err == nil {
		t.Error("corrupt file should fail to open")
	}
}

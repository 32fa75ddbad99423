package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tbaxter/fopbot/internal/alerts"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/risk"
	"github.com/tbaxter/fopbot/internal/storage"
)

type stubPositions struct {
	open []*models.Position
}

func (s *stubPositions) OpenPositions() []*models.Position { return s.open }

type stubAlerts struct {
	recent []alerts.Alert
}

func (s *stubAlerts) Recent() []alerts.Alert { return s.recent }

func testPosition(id string) *models.Position {
	expiry := time.Now().UTC().Add(9 * 24 * time.Hour)
	return &models.Position{
		ID:          id,
		Kind:        models.KindIronCondor,
		Symbol:      "MES",
		State:       models.StateOpen,
		EntryTime:   time.Now().UTC().Add(-time.Hour),
		Expiry:      expiry,
		EntryCredit: 2.0,
		CurrentPnL:  3.25,
		Multiplier:  5,
		Quantity:    1,
		MaxProfit:   2.0,
		MaxLoss:     48.0,
		Legs: []models.Leg{
			{Strike: 5100, Expiry: expiry, Right: models.RightCall, Action: models.ActionSell, Quantity: 1, FilledQuantity: 1, FillPrice: 1.20},
		},
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *storage.MockStorage, *stubPositions) {
	t.Helper()
	store := storage.NewMockStorage()
	positions := &stubPositions{}
	account := risk.NewAccount(10000)
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return NewServer(cfg, store, positions, account, &stubAlerts{}, lg), store, positions
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, Config{Port: 0})
	rec := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestPositionsEndpoint(t *testing.T) {
	s, _, positions := newTestServer(t, Config{Port: 0})
	positions.open = []*models.Position{testPosition("P1")}

	rec := get(t, s.Handler(), "/api/positions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var views []PositionView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("positions = %d, want 1", len(views))
	}
	v := views[0]
	if v.ID != "P1" || v.Kind != "iron_condor" || v.State != "open" {
		t.Errorf("view = %+v", v)
	}
	if v.MaxProfit != 10.0 {
		t.Errorf("max profit = %.2f, want 10.00", v.MaxProfit)
	}
	if v.DTE != 9 {
		t.Errorf("dte = %d, want 9", v.DTE)
	}
	if len(v.Legs) != 1 || v.Legs[0].Strike != 5100 {
		t.Errorf("legs = %+v", v.Legs)
	}
}

func TestPositionLookupFallsBackToHistory(t *testing.T) {
	s, store, _ := newTestServer(t, Config{Port: 0})

	archived := testPosition("OLD")
	archived.State = models.StateClosed
	if err := store.SavePosition(archived); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	if err := store.ArchivePosition("OLD", 7.5); err != nil {
		t.Fatalf("ArchivePosition: %v", err)
	}

	rec := get(t, s.Handler(), "/api/position/OLD")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = get(t, s.Handler(), "/api/position/MISSING")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d for unknown id, want 404", rec.Code)
	}
}

func TestAccountEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, Config{Port: 0})
	rec := get(t, s.Handler(), "/api/account")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var v AccountView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if v.Balance != 10000 {
		t.Errorf("balance = %.2f, want 10000", v.Balance)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, store, _ := newTestServer(t, Config{Port: 0})
	for i, pnl := range []float64{20, -10} {
		pos := testPosition("P" + string(rune('1'+i)))
		pos.State = models.StateClosed
		if err := store.SavePosition(pos); err != nil {
			t.Fatalf("SavePosition: %v", err)
		}
		if err := store.ArchivePosition(pos.ID, pnl); err != nil {
			t.Fatalf("ArchivePosition: %v", err)
		}
	}

	rec := get(t, s.Handler(), "/api/stats")
	var v StatsView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if v.TotalTrades != 2 || v.Wins != 1 || v.Losses != 1 {
		t.Errorf("stats = %+v", v)
	}
	if v.TotalPnL != 10 {
		t.Errorf("total pnl = %.2f, want 10", v.TotalPnL)
	}
}

func TestAuthToken(t *testing.T) {
	s, _, _ := newTestServer(t, Config{Port: 0, AuthToken: "secret"})

	if rec := get(t, s.Handler(), "/api/positions"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}
	// Health stays open for probes.
	if rec := get(t, s.Handler(), "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", rec.Code)
	}
}

// Package dashboard exposes a read-only JSON view of the bot: open
// positions, account state, trade statistics, and recent alerts.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/tbaxter/fopbot/internal/alerts"
	"github.com/tbaxter/fopbot/internal/models"
	"github.com/tbaxter/fopbot/internal/risk"
	"github.com/tbaxter/fopbot/internal/storage"
)

// PositionSource is the live position registry, implemented by the monitor.
type PositionSource interface {
	OpenPositions() []*models.Position
}

// AccountSource is the live account view.
type AccountSource interface {
	Snapshot(now time.Time) risk.View
}

// AlertSource serves the recent alert window.
type AlertSource interface {
	Recent() []alerts.Alert
}

type Config struct {
	Port      int
	AuthToken string
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	positions PositionSource
	account   AccountSource
	alerts    AlertSource
	logger    *logrus.Logger
	port      int
	authToken string
}

// PositionView flattens a position for the API.
type PositionView struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Symbol         string    `json:"symbol"`
	State          string    `json:"state"`
	EntryTime      time.Time `json:"entry_time,omitempty"`
	Expiry         time.Time `json:"expiry"`
	DTE            int       `json:"dte"`
	Quantity       int       `json:"quantity"`
	EntryCredit    float64   `json:"entry_credit"`
	CurrentPnL     float64   `json:"current_pnl"`
	HighWaterMark  float64   `json:"high_water_mark"`
	TrailingActive bool      `json:"trailing_active"`
	MaxProfit      float64   `json:"max_profit_dollars"`
	MaxLoss        float64   `json:"max_loss_dollars"`
	NeedsResync    bool      `json:"needs_resync,omitempty"`
	Legs           []LegView `json:"legs"`
}

type LegView struct {
	Strike   float64 `json:"strike"`
	Right    string  `json:"right"`
	Action   string  `json:"action"`
	Quantity int     `json:"quantity"`
	Filled   int     `json:"filled"`
	Price    float64 `json:"fill_price"`
}

// AccountView is the /api/account payload.
type AccountView struct {
	Balance       float64 `json:"balance"`
	OpenPositions int     `json:"open_positions"`
	RealizedToday float64 `json:"realized_today"`
	DailyPnL      float64 `json:"daily_pnl"`
}

// StatsView is the /api/stats payload.
type StatsView struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Streak      int     `json:"streak"`
}

func NewServer(cfg Config, store storage.Interface, positions PositionSource, account AccountSource, alertSrc AlertSource, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		positions: positions,
		account:   account,
		alerts:    alertSrc,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/position/{id}", s.handlePosition)
	s.router.Get("/api/account", s.handleAccount)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/alerts", s.handleAlerts)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.positions.OpenPositions()
	now := time.Now().UTC()
	views := make([]PositionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, toView(pos, now))
	}
	s.writeJSON(w, views)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	now := time.Now().UTC()

	for _, pos := range s.positions.OpenPositions() {
		if pos.ID == id {
			s.writeJSON(w, toView(pos, now))
			return
		}
	}
	// Fall back to archived positions.
	for _, pos := range s.storage.History() {
		if pos.ID == id {
			s.writeJSON(w, toView(pos, now))
			return
		}
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (s *Server) handleAccount(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	v := s.account.Snapshot(now)
	s.writeJSON(w, AccountView{
		Balance:       v.Balance,
		OpenPositions: v.OpenSlots,
		RealizedToday: v.RealizedToday,
		DailyPnL:      s.storage.DailyPnL(now),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.storage.Statistics()
	s.writeJSON(w, StatsView{
		TotalTrades: st.TotalTrades,
		Wins:        st.Wins,
		Losses:      st.Losses,
		WinRate:     st.WinRate(),
		TotalPnL:    st.TotalPnL,
		AvgWin:      st.AvgWin(),
		AvgLoss:     st.AvgLoss(),
		MaxDrawdown: st.MaxDrawdown,
		Streak:      st.CurrentStreak,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.alerts.Recent())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func toView(pos *models.Position, now time.Time) PositionView {
	dte := int(pos.Expiry.UTC().Truncate(24*time.Hour).Sub(now.Truncate(24*time.Hour)).Hours() / 24)
	if dte < 0 {
		dte = 0
	}
	legs := make([]LegView, 0, len(pos.Legs))
	for _, l := range pos.Legs {
		legs = append(legs, LegView{
			Strike:   l.Strike,
			Right:    string(l.Right),
			Action:   string(l.Action),
			Quantity: l.Quantity,
			Filled:   l.FilledQuantity,
			Price:    l.FillPrice,
		})
	}
	return PositionView{
		ID:             pos.ID,
		Kind:           string(pos.Kind),
		Symbol:         pos.Symbol,
		State:          string(pos.State),
		EntryTime:      pos.EntryTime,
		Expiry:         pos.Expiry,
		DTE:            dte,
		Quantity:       pos.Quantity,
		EntryCredit:    pos.EntryCredit,
		CurrentPnL:     pos.CurrentPnL,
		HighWaterMark:  pos.HighWaterMark,
		TrailingActive: pos.TrailingActive,
		MaxProfit:      pos.MaxProfitDollars(),
		MaxLoss:        pos.MaxLossDollars(),
		NeedsResync:    pos.NeedsResync,
		Legs:           legs,
	}
}

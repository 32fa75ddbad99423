// Package storage persists position and P&L state across restarts.
package storage

import (
	"time"

	"github.com/tbaxter/fopbot/internal/models"
)

// Statistics aggregates closed-trade performance.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	TotalPnL      float64 `json:"total_pnl"`
	SumWins       float64 `json:"sum_wins"`
	SumLosses     float64 `json:"sum_losses"` // stored positive
	CurrentStreak int     `json:"current_streak"` // positive = wins, negative = losses
	PeakPnL       float64 `json:"peak_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"`
}

// WinRate returns the fraction of closed trades that were profitable.
func (s *Statistics) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades)
}

// AvgWin returns the mean profit of winning trades.
func (s *Statistics) AvgWin() float64 {
	if s.Wins == 0 {
		return 0
	}
	return s.SumWins / float64(s.Wins)
}

// AvgLoss returns the mean loss of losing trades, as a positive number.
func (s *Statistics) AvgLoss() float64 {
	if s.Losses == 0 {
		return 0
	}
	return s.SumLosses / float64(s.Losses)
}

// record folds one closed trade into the aggregate.
func (s *Statistics) record(pnl float64) {
	s.TotalTrades++
	s.TotalPnL += pnl
	if pnl >= 0 {
		s.Wins++
		s.SumWins += pnl
		if s.CurrentStreak < 0 {
			s.CurrentStreak = 0
		}
		s.CurrentStreak++
	} else {
		s.Losses++
		s.SumLosses += -pnl
		if s.CurrentStreak > 0 {
			s.CurrentStreak = 0
		}
		s.CurrentStreak--
	}
	if s.TotalPnL > s.PeakPnL {
		s.PeakPnL = s.TotalPnL
	}
	if dd := s.PeakPnL - s.TotalPnL; dd > s.MaxDrawdown {
		s.MaxDrawdown = dd
	}
}

// Interface is the persistence contract. Implementations must be safe for
// concurrent use.
type Interface interface {
	// SavePosition upserts an active position by id.
	SavePosition(pos *models.Position) error

	// GetPosition returns an active position by id.
	GetPosition(id string) (*models.Position, error)

	// ActivePositions returns all non-archived positions.
	ActivePositions() []*models.Position

	// ArchivePosition moves a terminal position to history and folds its
	// realized P&L into the daily total and statistics.
	ArchivePosition(id string, realized float64) error

	// History returns archived positions, oldest first.
	History() []*models.Position

	// DailyPnL returns the realized total for one trading day.
	DailyPnL(day time.Time) float64

	// Statistics returns the closed-trade aggregate.
	Statistics() Statistics
}

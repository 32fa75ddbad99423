// Package risk enforces the account-wide limits that sit between strategy
// proposals and order submission.
package risk

import "fmt"

// Limits is the read-only risk configuration for a trading session.
type Limits struct {
	MaxPositions    int     `yaml:"max_positions"`
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"` // dollars per trade
	DailyLossCap    float64 `yaml:"daily_loss_cap"`     // dollars, positive
	ProfitTarget    float64 `yaml:"profit_target"`      // fraction of max profit
	StopLossMult    float64 `yaml:"stop_loss"`          // multiple of entry credit
	DTEExit         int     `yaml:"dte_exit"`
	// TrailingActivation is the fraction of max profit that arms the
	// trailing stop; TrailingStep is the fractional retracement from the
	// high-water mark that fires it.
	TrailingActivation float64 `yaml:"trailing_activation"`
	TrailingStep       float64 `yaml:"trailing_step"`
}

// Validate checks internal consistency of the limit set.
func (l *Limits) Validate() error {
	if l.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be > 0 (got %d)", l.MaxPositions)
	}
	if l.MaxRiskPerTrade <= 0 {
		return fmt.Errorf("max_risk_per_trade must be > 0 (got %.2f)", l.MaxRiskPerTrade)
	}
	if l.DailyLossCap <= 0 {
		return fmt.Errorf("daily_loss_cap must be > 0 (got %.2f)", l.DailyLossCap)
	}
	if l.ProfitTarget <= 0 || l.ProfitTarget > 1 {
		return fmt.Errorf("profit_target must be in (0, 1] (got %.2f)", l.ProfitTarget)
	}
	if l.StopLossMult <= 0 {
		return fmt.Errorf("stop_loss must be > 0 (got %.2f)", l.StopLossMult)
	}
	if l.DTEExit < 0 {
		return fmt.Errorf("dte_exit must be >= 0 (got %d)", l.DTEExit)
	}
	if l.TrailingActivation < 0 || l.TrailingActivation > 1 {
		return fmt.Errorf("trailing_activation must be in [0, 1] (got %.2f)", l.TrailingActivation)
	}
	if l.TrailingStep < 0 || l.TrailingStep >= 1 {
		return fmt.Errorf("trailing_step must be in [0, 1) (got %.2f)", l.TrailingStep)
	}
	return nil
}

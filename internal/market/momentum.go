package market

// Signal classifies the recent movement of the underlying.
type Signal string

const (
	SignalNeutral      Signal = "neutral"
	SignalBullish      Signal = "bullish"
	SignalBearish      Signal = "bearish"
	SignalReversalUp   Signal = "reversal_up"
	SignalReversalDown Signal = "reversal_down"
)

// MomentumConfig tunes the momentum detector. Zero values fall back to the
// defaults used by DefaultMomentumConfig.
type MomentumConfig struct {
	Lookback       int     // bars for rate-of-change
	ROCThreshold   float64 // percent move required for a directional signal
	ScoreHigh      float64 // up-bar fraction confirming bullish
	ScoreLow       float64 // up-bar fraction confirming bearish
	ReversalWindow int     // bars per reversal half-window
	ReversalPrior  float64 // percent move in the older half-window
	ReversalRecent float64 // percent counter-move in the newer half-window
}

// DefaultMomentumConfig returns the standard detector tuning.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		Lookback:       10,
		ROCThreshold:   0.15,
		ScoreHigh:      0.55,
		ScoreLow:       0.45,
		ReversalWindow: 5,
		ReversalPrior:  0.2,
		ReversalRecent: 0.1,
	}
}

func (c MomentumConfig) withDefaults() MomentumConfig {
	d := DefaultMomentumConfig()
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.ROCThreshold <= 0 {
		c.ROCThreshold = d.ROCThreshold
	}
	if c.ScoreHigh <= 0 {
		c.ScoreHigh = d.ScoreHigh
	}
	if c.ScoreLow <= 0 {
		c.ScoreLow = d.ScoreLow
	}
	if c.ReversalWindow <= 0 {
		c.ReversalWindow = d.ReversalWindow
	}
	if c.ReversalPrior <= 0 {
		c.ReversalPrior = d.ReversalPrior
	}
	if c.ReversalRecent <= 0 {
		c.ReversalRecent = d.ReversalRecent
	}
	return c
}

// DetectMomentum classifies the price history. Reversal patterns take
// precedence over simple directional momentum so a scalper holding a
// position can flip before the trend fully unwinds.
func DetectMomentum(history []PricePoint, cfg MomentumConfig) Signal {
	cfg = cfg.withDefaults()
	n := len(history)
	if n < cfg.Lookback+1 {
		return SignalNeutral
	}

	// Reversal first: compare the move across two adjacent windows.
	if w := cfg.ReversalWindow; n >= 2*w+1 {
		prior := pctChange(history[n-2*w-1].Price, history[n-w-1].Price)
		recent := pctChange(history[n-w-1].Price, history[n-1].Price)
		switch {
		case prior <= -cfg.ReversalPrior && recent >= cfg.ReversalRecent:
			return SignalReversalUp
		case prior >= cfg.ReversalPrior && recent <= -cfg.ReversalRecent:
			return SignalReversalDown
		}
	}

	roc := pctChange(history[n-cfg.Lookback-1].Price, history[n-1].Price)
	score := upBarScore(history[n-cfg.Lookback-1:])

	switch {
	case roc > cfg.ROCThreshold && score >= cfg.ScoreHigh:
		return SignalBullish
	case roc < -cfg.ROCThreshold && score <= cfg.ScoreLow:
		return SignalBearish
	}
	return SignalNeutral
}

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

// upBarScore is the fraction of bars that closed above the previous bar.
func upBarScore(window []PricePoint) float64 {
	if len(window) < 2 {
		return 0.5
	}
	up := 0
	for i := 1; i < len(window); i++ {
		if window[i].Price > window[i-1].Price {
			up++
		}
	}
	return float64(up) / float64(len(window)-1)
}

package market

import (
	"testing"
	"time"
)

func historyFrom(prices []float64) []PricePoint {
	base := time.Date(2024, 3, 8, 14, 30, 0, 0, time.UTC)
	out := make([]PricePoint, len(prices))
	for i, p := range prices {
		out[i] = PricePoint{Time: base.Add(time.Duration(i) * time.Minute), Price: p}
	}
	return out
}

func rampHistory(start, step float64, n int) []PricePoint {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = start + step*float64(i)
	}
	return historyFrom(prices)
}

func TestDetectMomentumDirectional(t *testing.T) {
	cfg := DefaultMomentumConfig()

	tests := []struct {
		name    string
		history []PricePoint
		want    Signal
	}{
		{"steady climb", rampHistory(5000, 5, 11), SignalBullish},
		{"steady slide", rampHistory(5000, -5, 11), SignalBearish},
		{"flat", rampHistory(5000, 0, 11), SignalNeutral},
		{"too few points", rampHistory(5000, 5, 5), SignalNeutral},
		{
			// Big move but choppy bars: rate of change alone is not enough.
			"choppy climb",
			historyFrom([]float64{5000, 5020, 5005, 5025, 5010, 5030, 5015, 5035, 5020, 5040, 5028}),
			SignalNeutral,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMomentum(tt.history, cfg); got != tt.want {
				t.Errorf("DetectMomentum() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMomentumReversal(t *testing.T) {
	cfg := DefaultMomentumConfig()

	down := []float64{5000, 4995, 4990, 4985, 4980, 4975}
	bounce := append(append([]float64(nil), down...), 4978, 4981, 4984, 4987, 4990)
	if got := DetectMomentum(historyFrom(bounce), cfg); got != SignalReversalUp {
		t.Errorf("bounce after slide = %q, want %q", got, SignalReversalUp)
	}

	up := []float64{5000, 5005, 5010, 5015, 5020, 5025}
	fade := append(append([]float64(nil), up...), 5022, 5019, 5016, 5013, 5010)
	if got := DetectMomentum(historyFrom(fade), cfg); got != SignalReversalDown {
		t.Errorf("fade after climb = %q, want %q", got, SignalReversalDown)
	}
}

func TestMomentumConfigDefaults(t *testing.T) {
	var zero MomentumConfig
	got := zero.withDefaults()
	want := DefaultMomentumConfig()
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

package strategy

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/tbaxter/fopbot/internal/market"
	"github.com/tbaxter/fopbot/internal/models"
)

var (
	testNow    = time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC) // Wednesday
	testExpiry = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) // Friday
	testLogger = log.New(io.Discard, "", 0)
)

func cq(strike, bid, ask, delta float64) market.StrikeQuote {
	return market.StrikeQuote{
		Strike: strike, Expiry: testExpiry, Right: models.RightCall,
		Bid: bid, Ask: ask, Delta: delta, Timestamp: testNow,
	}
}

func pq(strike, bid, ask, delta float64) market.StrikeQuote {
	return market.StrikeQuote{
		Strike: strike, Expiry: testExpiry, Right: models.RightPut,
		Bid: bid, Ask: ask, Delta: delta, Timestamp: testNow,
	}
}

// condorChain builds the reference chain: short call 5100 at delta 0.15
// mid 1.20, short put 4900 at delta -0.15 mid 1.10, worthless wings.
func condorChain() *market.Snapshot {
	return &market.Snapshot{
		Symbol:          "MES",
		UnderlyingPrice: 5000,
		Timestamp:       testNow,
		IVRank:          50,
		Quotes: []market.StrikeQuote{
			cq(5050, 2.40, 2.60, 0.25),
			cq(5100, 1.10, 1.30, 0.15),
			cq(5150, 0, 0, 0.08),
			pq(4950, 2.20, 2.40, -0.25),
			pq(4900, 1.00, 1.20, -0.15),
			pq(4850, 0, 0, -0.08),
		},
	}
}

func TestWeeklyExpiry(t *testing.T) {
	got := weeklyExpiry(testNow, 7)
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("weeklyExpiry = %s, want %s", got, want)
	}

	// Already a Friday stays put.
	friday := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	if got := weeklyExpiry(friday, 0); !got.Equal(friday.Truncate(24*time.Hour)) {
		t.Errorf("weeklyExpiry on Friday = %s, want same day", got)
	}
}

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name                string
		balance, risk       float64
		width, mult         float64
		maxContracts, want  int
	}{
		{"risk budget fits", 10000, 0.30, 50, 5, 10, 12},
		{"clamped to max", 10000, 0.30, 50, 5, 5, 5},
		{"floor of one", 1000, 0.05, 50, 5, 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := positionSize(tt.balance, tt.risk, tt.width, tt.mult, tt.maxContracts)
			if got != tt.want {
				t.Errorf("positionSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestShortStrikeByDelta(t *testing.T) {
	calls := []market.StrikeQuote{
		cq(5050, 2.4, 2.6, 0.25),
		cq(5100, 1.1, 1.3, 0.15),
		cq(5150, 0.4, 0.6, 0.08),
	}

	q := shortStrikeByDelta(calls, 0.15, 0.05)
	if q == nil || q.Strike != 5100 {
		t.Fatalf("short call = %+v, want strike 5100", q)
	}

	// Strikes above the target magnitude are never candidates.
	q = shortStrikeByDelta(calls, 0.20, 0.10)
	if q == nil || q.Strike != 5100 {
		t.Fatalf("short call = %+v, want strike 5100 (0.25 excluded)", q)
	}

	// Best candidate outside the band means no trade.
	if q = shortStrikeByDelta(calls, 0.15, 0.005); q == nil || q.Strike != 5100 {
		t.Fatalf("exact match should pass any band, got %+v", q)
	}
	if q = shortStrikeByDelta(calls, 0.14, 0.005); q != nil {
		t.Fatalf("expected nil outside band, got strike %v", q.Strike)
	}
}

func TestShortStrikeByDeltaTieBreak(t *testing.T) {
	calls := []market.StrikeQuote{
		cq(5100, 1.1, 1.3, 0.15),
		cq(5120, 1.0, 1.2, 0.15),
	}
	if q := shortStrikeByDelta(calls, 0.15, 0.05); q == nil || q.Strike != 5120 {
		t.Fatalf("call tie should pick higher strike, got %+v", q)
	}

	puts := []market.StrikeQuote{
		pq(4900, 1.0, 1.2, -0.15),
		pq(4880, 0.9, 1.1, -0.15),
	}
	if q := shortStrikeByDelta(puts, 0.15, 0.05); q == nil || q.Strike != 4880 {
		t.Fatalf("put tie should pick lower strike, got %+v", q)
	}
}

func TestSelectExpiry(t *testing.T) {
	snap := condorChain()
	got, err := selectExpiry(snap, weeklyExpiry(testNow, 7))
	if err != nil {
		t.Fatalf("selectExpiry error: %v", err)
	}
	if !got.Equal(testExpiry) {
		t.Errorf("selectExpiry = %s, want %s", got, testExpiry)
	}

	empty := &market.Snapshot{Symbol: "MES", Timestamp: testNow}
	if _, err := selectExpiry(empty, testNow); err == nil {
		t.Error("expected error for empty chain")
	}
}

package features

import (
	"math"
	"testing"
	"time"

	"options-scalper-bot/internal/market"
)

func tickAt(c *Cache, side market.Side, prices ...float64) {
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)
	for i, p := range prices {
		c.UpdateTick(side, p, ts.Add(time.Duration(i)*time.Second))
	}
}

func TestMomentumRunGrowsWithSameDirection(t *testing.T) {
	c := NewCache()
	tickAt(c, market.SideCE, 100, 100.5, 101, 101.2, 102)

	dir, count := c.MomentumRun(market.SideCE)
	if dir != 1 {
		t.Fatalf("expected direction +1, got %d", dir)
	}
	if count != 4 {
		t.Fatalf("expected run of 4 up ticks, got %d", count)
	}
}

func TestMomentumRunResetsOnFlip(t *testing.T) {
	c := NewCache()
	tickAt(c, market.SideCE, 100, 101, 102, 103, 102.5)

	dir, count := c.MomentumRun(market.SideCE)
	if dir != -1 {
		t.Fatalf("expected direction -1 after flip, got %d", dir)
	}
	if count != 1 {
		t.Fatalf("a flip must reset the run to 1, got %d", count)
	}
}

func TestMomentumRunUnchangedPriceKeepsRun(t *testing.T) {
	c := NewCache()
	tickAt(c, market.SidePE, 50, 51, 52, 52, 52)

	dir, count := c.MomentumRun(market.SidePE)
	if dir != 1 || count != 2 {
		t.Fatalf("unchanged prices must keep the run, got dir=%d count=%d", dir, count)
	}
}

func TestVolatilityNeedsThreeSamples(t *testing.T) {
	c := NewCache()
	tickAt(c, market.SideCE, 100, 110)
	if v := c.Volatility(market.SideCE); v != 0 {
		t.Fatalf("volatility with <3 samples must be 0, got %f", v)
	}

	tickAt(c, market.SideCE, 120)
	if v := c.Volatility(market.SideCE); v <= 0 {
		t.Fatalf("volatility with 3 samples must be positive, got %f", v)
	}
}

func TestVolatilityPopulationStdev(t *testing.T) {
	c := NewCache()
	tickAt(c, market.SideCE, 2, 4, 4, 4, 5, 5, 7, 9)

	// Known population stdev of this series is 2.
	if v := c.Volatility(market.SideCE); math.Abs(v-2) > 1e-9 {
		t.Fatalf("expected population stdev 2, got %f", v)
	}
}

func TestVolatilityWindowBounded(t *testing.T) {
	c := NewCache()
	ts := time.Now()
	for i := 0; i < 100; i++ {
		c.UpdateTick(market.SideCE, float64(i), ts)
	}
	// Only the last 20 prices (80..99) should be in the window.
	var sum float64
	for p := 80.0; p < 100; p++ {
		sum += p
	}
	mean := sum / 20
	var variance float64
	for p := 80.0; p < 100; p++ {
		variance += (p - mean) * (p - mean)
	}
	want := math.Sqrt(variance / 20)
	if v := c.Volatility(market.SideCE); math.Abs(v-want) > 1e-9 {
		t.Fatalf("expected stdev over the last 20 prices %f, got %f", want, v)
	}
}

func TestImbalanceUndefinedWithoutAskQty(t *testing.T) {
	c := NewCache()
	c.UpdateDepth(market.SideCE, 99.5, 100.5, 500, 0)
	if f := c.Snapshot(market.SideCE); f.Imbalance != nil {
		t.Fatalf("imbalance must be undefined when askQty is 0, got %f", *f.Imbalance)
	}

	c.UpdateDepth(market.SideCE, 99.5, 100.5, 600, 400)
	f := c.Snapshot(market.SideCE)
	if f.Imbalance == nil || math.Abs(*f.Imbalance-1.5) > 1e-9 {
		t.Fatalf("expected imbalance 1.5, got %v", f.Imbalance)
	}
	if math.Abs(f.Spread-1.0) > 1e-9 {
		t.Fatalf("expected spread 1.0, got %f", f.Spread)
	}
}

func TestSpreadNeverNegative(t *testing.T) {
	c := NewCache()
	c.UpdateDepth(market.SidePE, 101, 100, 10, 10) // crossed book
	if f := c.Snapshot(market.SidePE); f.Spread != 0 {
		t.Fatalf("crossed book spread must clamp to 0, got %f", f.Spread)
	}
}

func TestUnknownSideReadsZeroWithoutRegistering(t *testing.T) {
	c := NewCache()
	unknown := market.Side("future")

	if v := c.Volatility(unknown); v != 0 {
		t.Fatalf("unknown side volatility must be 0, got %f", v)
	}
	if dir, count := c.MomentumRun(unknown); dir != 0 || count != 0 {
		t.Fatalf("unknown side must have no momentum, got dir=%d count=%d", dir, count)
	}
	f := c.Snapshot(unknown)
	if f.LastPrice != 0 || f.Imbalance != nil {
		t.Fatalf("unknown side snapshot must be zero, got %+v", f)
	}
	if len(c.sides) != 3 {
		t.Fatalf("reads must not register new sides, have %d", len(c.sides))
	}
}

func TestSidesAreIndependent(t *testing.T) {
	c := NewCache()
	tickAt(c, market.SideCE, 100, 101, 102)
	tickAt(c, market.SidePE, 80, 79)

	if dir, _ := c.MomentumRun(market.SideCE); dir != 1 {
		t.Fatalf("CE direction polluted: %d", dir)
	}
	if dir, _ := c.MomentumRun(market.SidePE); dir != -1 {
		t.Fatalf("PE direction polluted: %d", dir)
	}
}

// Package features maintains per-side rolling tick and depth statistics:
// momentum runs, a bounded price window, spread and order-book imbalance.
// Everything here is O(1) amortized; the cache is mutated only from the
// agent's tick-handling path.
package features

import (
	"math"
	"sync"
	"time"

	"options-scalper-bot/internal/market"
)

// priceWindowSize bounds the per-side price ring used for volatility.
const priceWindowSize = 20

// SideFeatures holds the rolling state for one side.
type SideFeatures struct {
	LastPrice     float64
	LastTickAt    time.Time
	Direction     int // +1 up, -1 down, 0 unchanged/none
	MomentumCount int // consecutive same-direction ticks
	Spread        float64
	Imbalance     *float64 // bidQty/askQty, nil when askQty <= 0

	prices []float64 // bounded ring, oldest first
}

// Cache tracks SideFeatures for CE, PE and the underlying.
type Cache struct {
	mu    sync.RWMutex
	sides map[market.Side]*SideFeatures
}

// NewCache returns an empty feature cache.
func NewCache() *Cache {
	return &Cache{sides: map[market.Side]*SideFeatures{
		market.SideCE:         {},
		market.SidePE:         {},
		market.SideUnderlying: {},
	}}
}

// UpdateTick folds a trade tick into the side's momentum run and price
// window. A direction flip resets the run to 1; same-direction ticks
// increment it. Unchanged prices keep the current run.
func (c *Cache) UpdateTick(side market.Side, price float64, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.side(side)
	if f.LastPrice > 0 {
		switch {
		case price > f.LastPrice:
			if f.Direction == 1 {
				f.MomentumCount++
			} else {
				f.Direction = 1
				f.MomentumCount = 1
			}
		case price < f.LastPrice:
			if f.Direction == -1 {
				f.MomentumCount++
			} else {
				f.Direction = -1
				f.MomentumCount = 1
			}
		}
	}
	f.LastPrice = price
	f.LastTickAt = ts

	f.prices = append(f.prices, price)
	if len(f.prices) > priceWindowSize {
		f.prices = f.prices[1:]
	}
}

// UpdateDepth recomputes spread and imbalance from top-of-book state.
// Imbalance is undefined (nil) when askQty is not positive.
func (c *Cache) UpdateDepth(side market.Side, bid, ask, bidQty, askQty float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.side(side)
	f.Spread = math.Max(0, ask-bid)
	if askQty > 0 {
		r := bidQty / askQty
		f.Imbalance = &r
	} else {
		f.Imbalance = nil
	}
}

// Volatility returns the population standard deviation of the side's price
// window, or 0 with fewer than 3 samples.
func (c *Cache) Volatility(side market.Side) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prices := c.side(side).prices
	n := len(prices)
	if n < 3 {
		return 0
	}
	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(n)
	var variance float64
	for _, p := range prices {
		d := p - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n))
}

// Snapshot returns a copy of the side's current features.
func (c *Cache) Snapshot(side market.Side) SideFeatures {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f := *c.side(side)
	if f.Imbalance != nil {
		v := *f.Imbalance
		f.Imbalance = &v
	}
	f.prices = nil
	return f
}

// MomentumRun returns the side's direction and run length.
func (c *Cache) MomentumRun(side market.Side) (direction, count int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f := c.side(side)
	return f.Direction, f.MomentumCount
}

// LastTickAt returns the timestamp of the side's most recent tick.
func (c *Cache) LastTickAt(side market.Side) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.side(side).LastTickAt
}

// side is read-only so callers holding only RLock stay safe; unknown
// sides read as zero values and are never registered.
func (c *Cache) side(side market.Side) *SideFeatures {
	if f, ok := c.sides[side]; ok {
		return f
	}
	return &SideFeatures{}
}

// Package indicators builds 1-minute candles per side and computes the
// technical indicators the entry pipeline votes on. Indicators return
// (value, ok) and ok stays false until the minimum bar count exists;
// callers treat not-ready as "fail closed" and never extrapolate.
package indicators

import (
	"sync"
	"time"
)

// maxIndexHistory bounds the underlying index candle history.
const maxIndexHistory = 240

// recomputeThrottle is the minimum gap between index indicator recomputes.
const recomputeThrottle = 250 * time.Millisecond

// Candle is one OHLC bar. TickCount weighs the bar in session VWAP.
type Candle struct {
	Start     time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	TickCount int
}

// SideSeries maintains the pending 1-minute candle and an incremental
// EMA(9) for a single option side.
type SideSeries struct {
	pending   *Candle
	lastClose float64
	prevClose float64
	closedN   int

	emaPeriod int
	ema       float64
	emaSeed   float64
	emaReady  bool
}

// NewSideSeries returns a side series with an incremental EMA of the
// given period.
func NewSideSeries(emaPeriod int) *SideSeries {
	return &SideSeries{emaPeriod: emaPeriod}
}

// Update folds a tick into the pending candle. When the tick crosses a
// minute boundary the previous candle is finalized and returned.
func (s *SideSeries) Update(price float64, ts time.Time) *Candle {
	start := ts.Truncate(time.Minute)
	if s.pending == nil {
		s.pending = &Candle{Start: start, Open: price, High: price, Low: price, Close: price, TickCount: 1}
		return nil
	}
	if start.After(s.pending.Start) {
		closed := *s.pending
		s.finalize(closed)
		s.pending = &Candle{Start: start, Open: price, High: price, Low: price, Close: price, TickCount: 1}
		return &closed
	}
	if price > s.pending.High {
		s.pending.High = price
	}
	if price < s.pending.Low {
		s.pending.Low = price
	}
	s.pending.Close = price
	s.pending.TickCount++
	return nil
}

func (s *SideSeries) finalize(c Candle) {
	s.prevClose = s.lastClose
	s.lastClose = c.Close
	s.closedN++

	// EMA seeds with the SMA of the first `period` closes, then runs
	// incrementally with multiplier 2/(period+1).
	if s.closedN < s.emaPeriod {
		s.emaSeed += c.Close
		return
	}
	if s.closedN == s.emaPeriod {
		s.emaSeed += c.Close
		s.ema = s.emaSeed / float64(s.emaPeriod)
		s.emaReady = true
		return
	}
	k := 2.0 / float64(s.emaPeriod+1)
	s.ema = c.Close*k + s.ema*(1-k)
}

// EMA returns the side's incremental EMA, ok=false until enough bars closed.
func (s *SideSeries) EMA() (float64, bool) {
	return s.ema, s.emaReady
}

// LastClose returns the most recent finalized close and whether one exists.
func (s *SideSeries) LastClose() (float64, bool) {
	return s.lastClose, s.closedN >= 1
}

// PrevClose returns the close before the last one.
func (s *SideSeries) PrevClose() (float64, bool) {
	return s.prevClose, s.closedN >= 2
}

// IndexSeries maintains the bounded candle history for the underlying and
// a throttled indicator snapshot recomputed on candle close. Updates come
// from the tick loop; Snapshot and History may be read from other
// goroutines, so state is guarded by mu.
type IndexSeries struct {
	mu          sync.RWMutex
	pending     *Candle
	candles     []Candle
	lastCompute time.Time
	snap        Snapshot
}

// Snapshot is the index indicator set. Each value carries its own ready
// flag; unready values must not be voted on.
type Snapshot struct {
	EMA9, EMA21          float64
	EMAOK                bool
	VWAP                 float64
	VWAPOK               bool
	Supertrend           float64
	SupertrendDir        int // +1 price above band, -1 below
	SupertrendOK         bool
	RSI                  float64
	RSIOK                bool
	ADX, PlusDI, MinusDI float64
	ADXOK                bool
	LastClose            float64
	Bars                 int
}

// NewIndexSeries returns an empty index series.
func NewIndexSeries() *IndexSeries {
	return &IndexSeries{}
}

// Update folds an underlying tick into the pending candle and recomputes
// the snapshot on minute rollover, throttled to one recompute per 250ms.
func (ix *IndexSeries) Update(price float64, ts time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := ts.Truncate(time.Minute)
	if ix.pending == nil {
		ix.pending = &Candle{Start: start, Open: price, High: price, Low: price, Close: price, TickCount: 1}
		return
	}
	if start.After(ix.pending.Start) {
		ix.candles = append(ix.candles, *ix.pending)
		if len(ix.candles) > maxIndexHistory {
			ix.candles = ix.candles[len(ix.candles)-maxIndexHistory:]
		}
		ix.pending = &Candle{Start: start, Open: price, High: price, Low: price, Close: price, TickCount: 1}
		if ts.Sub(ix.lastCompute) >= recomputeThrottle {
			ix.recompute()
			ix.lastCompute = ts
		}
		return
	}
	if price > ix.pending.High {
		ix.pending.High = price
	}
	if price < ix.pending.Low {
		ix.pending.Low = price
	}
	ix.pending.Close = price
	ix.pending.TickCount++
}

func (ix *IndexSeries) recompute() {
	c := ix.candles
	snap := Snapshot{Bars: len(c)}
	if len(c) > 0 {
		snap.LastClose = c[len(c)-1].Close
	}

	if e9, ok9 := EMA(c, 9); ok9 {
		if e21, ok21 := EMA(c, 21); ok21 {
			snap.EMA9, snap.EMA21, snap.EMAOK = e9, e21, true
		}
	}
	if v, ok := SessionVWAP(c); ok {
		snap.VWAP, snap.VWAPOK = v, true
	}
	if st, dir, ok := Supertrend(c, 10, 3.0); ok {
		snap.Supertrend, snap.SupertrendDir, snap.SupertrendOK = st, dir, true
	}
	if r, ok := RSI(c, 14); ok {
		snap.RSI, snap.RSIOK = r, true
	}
	if adx, plus, minus, ok := ADX(c, 14); ok {
		snap.ADX, snap.PlusDI, snap.MinusDI, snap.ADXOK = adx, plus, minus, true
	}
	ix.snap = snap
}

// Snapshot returns the latest indicator snapshot.
func (ix *IndexSeries) Snapshot() Snapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.snap
}

// History returns a copy of the closed candle history (for tests and the
// tuner context snapshot).
func (ix *IndexSeries) History() []Candle {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Candle, len(ix.candles))
	copy(out, ix.candles)
	return out
}

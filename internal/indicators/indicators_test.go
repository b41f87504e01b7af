package indicators

import (
	"math"
	"sync"
	"testing"
	"time"
)

func barsFromCloses(closes ...float64) []Candle {
	start := time.Date(2026, 8, 24, 9, 15, 0, 0, time.Local)
	out := make([]Candle, len(closes))
	for i, c := range closes {
		out[i] = Candle{
			Start:     start.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 0.5,
			Low:       c - 0.5,
			Close:     c,
			TickCount: 10,
		}
	}
	return out
}

func TestSMANotReady(t *testing.T) {
	if _, ok := SMA(barsFromCloses(1, 2), 3); ok {
		t.Fatal("SMA must not report ready below the period")
	}
	v, ok := SMA(barsFromCloses(1, 2, 3, 4), 3)
	if !ok || v != 3 {
		t.Fatalf("expected SMA 3 over the last 3 closes, got %f ok=%v", v, ok)
	}
}

func TestEMASeedsWithSMA(t *testing.T) {
	// With exactly `period` bars the EMA equals the SMA seed.
	bars := barsFromCloses(10, 11, 12)
	ema, ok := EMA(bars, 3)
	if !ok || ema != 11 {
		t.Fatalf("expected EMA seed 11, got %f ok=%v", ema, ok)
	}

	// One more bar applies the 2/(period+1) multiplier once.
	bars = barsFromCloses(10, 11, 12, 14)
	ema, _ = EMA(bars, 3)
	want := 14*0.5 + 11*0.5
	if math.Abs(ema-want) > 1e-9 {
		t.Fatalf("expected EMA %f, got %f", want, ema)
	}
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rsi, ok := RSI(barsFromCloses(closes...), 14)
	if !ok {
		t.Fatal("RSI must be ready with 20 bars")
	}
	if rsi != 100 {
		t.Fatalf("monotonically rising series must give RSI 100, got %f", rsi)
	}
}

func TestRSINotReady(t *testing.T) {
	if _, ok := RSI(barsFromCloses(1, 2, 3), 14); ok {
		t.Fatal("RSI with 3 bars must not be ready")
	}
}

func TestRSIMidrange(t *testing.T) {
	closes := []float64{100, 101, 100, 101, 100, 101, 100, 101, 100, 101, 100, 101, 100, 101, 100, 101}
	rsi, ok := RSI(barsFromCloses(closes...), 14)
	if !ok {
		t.Fatal("RSI must be ready")
	}
	if rsi <= 0 || rsi >= 100 {
		t.Fatalf("alternating series must stay inside (0,100), got %f", rsi)
	}
}

func TestSessionVWAPFiltersPreviousDay(t *testing.T) {
	yesterday := Candle{
		Start: time.Date(2026, 8, 23, 15, 29, 0, 0, time.Local),
		High:  1000, Low: 1000, Close: 1000, TickCount: 100,
	}
	today := Candle{
		Start: time.Date(2026, 8, 24, 9, 15, 0, 0, time.Local),
		High:  101, Low: 99, Close: 100, TickCount: 10,
	}
	v, ok := SessionVWAP([]Candle{yesterday, today})
	if !ok {
		t.Fatal("VWAP must be ready")
	}
	if math.Abs(v-100) > 1e-9 {
		t.Fatalf("yesterday's candle must not contribute, got %f", v)
	}
}

func TestSupertrendDirectionFollowsTrend(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + 2*float64(i)
	}
	_, dir, ok := Supertrend(barsFromCloses(up...), 10, 3.0)
	if !ok {
		t.Fatal("Supertrend must be ready with 30 bars")
	}
	if dir != 1 {
		t.Fatalf("steady uptrend must give dir +1, got %d", dir)
	}

	down := make([]float64, 30)
	for i := range down {
		down[i] = 200 - 4*float64(i)
	}
	_, dir, _ = Supertrend(barsFromCloses(down...), 10, 3.0)
	if dir != -1 {
		t.Fatalf("steady downtrend must give dir -1, got %d", dir)
	}
}

func TestSupertrendNotReady(t *testing.T) {
	if _, _, ok := Supertrend(barsFromCloses(1, 2, 3), 10, 3.0); ok {
		t.Fatal("Supertrend must not be ready with 3 bars")
	}
}

func TestADXRequiresTwoPeriods(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	if _, _, _, ok := ADX(barsFromCloses(closes...), 14); ok {
		t.Fatal("ADX must not be ready below 2*period+1 bars")
	}

	closes = make([]float64, 40)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	adx, plus, minus, ok := ADX(barsFromCloses(closes...), 14)
	if !ok {
		t.Fatal("ADX must be ready with 40 bars")
	}
	if plus <= minus {
		t.Fatalf("uptrend must have +DI > -DI, got %f vs %f", plus, minus)
	}
	if adx <= 0 {
		t.Fatalf("trending market must have positive ADX, got %f", adx)
	}
}

func TestSideSeriesEMA(t *testing.T) {
	s := NewSideSeries(3)
	base := time.Date(2026, 8, 24, 9, 15, 0, 0, time.Local)
	// Closes: 10, 11, 12 across three finalized minutes.
	for i, p := range []float64{10, 11, 12, 13} {
		s.Update(p, base.Add(time.Duration(i)*time.Minute))
	}

	if _, ok := s.PrevClose(); !ok {
		t.Fatal("prev close must exist after three finalized candles")
	}
	ema, ok := s.EMA()
	if !ok {
		t.Fatal("EMA must seed after 3 closed candles")
	}
	if ema != 11 {
		t.Fatalf("EMA seed must be the SMA of the first closes, got %f", ema)
	}
	last, _ := s.LastClose()
	if last != 12 {
		t.Fatalf("last finalized close must be 12, got %f", last)
	}
}

func TestSideSeriesNotReadyEarly(t *testing.T) {
	s := NewSideSeries(9)
	s.Update(100, time.Now())
	if _, ok := s.LastClose(); ok {
		t.Fatal("no candle has closed yet")
	}
	if _, ok := s.EMA(); ok {
		t.Fatal("EMA cannot be ready without closed candles")
	}
}

func TestIndexSeriesHistoryBounded(t *testing.T) {
	ix := NewIndexSeries()
	base := time.Date(2026, 8, 24, 9, 15, 0, 0, time.Local)
	for i := 0; i < 300; i++ {
		ix.Update(100+float64(i%10), base.Add(time.Duration(i)*time.Minute))
	}
	if n := len(ix.History()); n > maxIndexHistory {
		t.Fatalf("history must stay bounded at %d, got %d", maxIndexHistory, n)
	}
	snap := ix.Snapshot()
	if !snap.EMAOK || !snap.VWAPOK || !snap.RSIOK {
		t.Fatalf("indicators must be ready after 300 bars: %+v", snap)
	}
}

func TestIndexSeriesConcurrentReads(t *testing.T) {
	ix := NewIndexSeries()
	base := time.Date(2026, 8, 24, 9, 15, 0, 0, time.Local)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			ix.Snapshot()
			ix.History()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			ix.Update(100+float64(i%10), base.Add(time.Duration(i)*time.Minute))
		}
		close(done)
	}()
	wg.Wait()

	if snap := ix.Snapshot(); !snap.EMAOK {
		t.Fatalf("indicators must be ready after 500 bars: %+v", snap)
	}
	hist := ix.History()
	hist[0].Close = -1
	if ix.History()[0].Close == -1 {
		t.Fatal("History must return a copy")
	}
}

func TestBiasScoreAbstainsWhenNotReady(t *testing.T) {
	cfg := BiasConfig{Mode: BiasStrong, MinScore: 1, UseEMA: true, UseVWAP: true, UseRSI: true}
	// Nothing ready: every indicator abstains.
	if got := cfg.Score(Snapshot{LastClose: 100}); got != 0 {
		t.Fatalf("unready snapshot must score 0, got %d", got)
	}

	snap := Snapshot{
		LastClose: 110,
		EMA9:      105, EMA21: 100, EMAOK: true,
		VWAP: 102, VWAPOK: true,
		RSI: 70, RSIOK: true,
	}
	if got := cfg.Score(snap); got != 3 {
		t.Fatalf("bullish snapshot must score 3, got %d", got)
	}
	if cfg.Verdict(snap) != BiasBull {
		t.Fatal("score 3 with min 1 must be BULL")
	}
}

func TestBiasModes(t *testing.T) {
	snap := Snapshot{
		LastClose: 90,
		EMA9:      95, EMA21: 100, EMAOK: true,
		VWAP: 100, VWAPOK: true,
	}
	cfg := BiasConfig{MinScore: 2, UseEMA: true, UseVWAP: true}

	cfg.Mode = BiasStrong
	if ok, _ := cfg.Allows(snap, BiasBull); ok {
		t.Fatal("STRONG must block a CE entry against a bear verdict")
	}
	if ok, _ := cfg.Allows(snap, BiasBear); !ok {
		t.Fatal("STRONG must allow a PE entry with a bear verdict")
	}

	cfg.Mode = BiasFilter
	if ok, _ := cfg.Allows(snap, BiasBull); ok {
		t.Fatal("FILTER must block the outright-opposed side")
	}

	cfg.Mode = BiasOff
	if ok, _ := cfg.Allows(snap, BiasBull); !ok {
		t.Fatal("OFF must bypass the gate")
	}
}

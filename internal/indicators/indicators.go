package indicators

import "math"

// SMA calculates the simple moving average of the last `period` closes.
func SMA(candles []Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period), true
}

// EMA calculates the exponential moving average over the full history,
// seeded with the SMA of the first `period` closes.
func EMA(candles []Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	seed, _ := SMA(candles[:period], period)
	k := 2.0 / float64(period+1)
	ema := seed
	for i := period; i < len(candles); i++ {
		ema = candles[i].Close*k + ema*(1-k)
	}
	return ema, true
}

// SessionVWAP calculates the tick-weighted average of typical prices over
// the current session. The session resets at the local day boundary: only
// candles sharing the last candle's calendar day contribute.
func SessionVWAP(candles []Candle) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	last := candles[len(candles)-1].Start
	y, m, d := last.Date()

	var pv, vol float64
	for _, c := range candles {
		cy, cm, cd := c.Start.Date()
		if cy != y || cm != m || cd != d {
			continue
		}
		typical := (c.High + c.Low + c.Close) / 3
		w := float64(c.TickCount)
		if w <= 0 {
			w = 1
		}
		pv += typical * w
		vol += w
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// atrSeries returns the Wilder-smoothed ATR for each bar from index
// `period` onward. Used by Supertrend.
func atrSeries(candles []Candle, period int) []float64 {
	if len(candles) < period+1 {
		return nil
	}
	trs := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		trs[i] = trueRange(candles[i], candles[i-1])
	}

	atrs := make([]float64, len(candles))
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trs[i]
	}
	atrs[period] = sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atrs[i] = (atrs[i-1]*float64(period-1) + trs[i]) / float64(period)
	}
	return atrs
}

func trueRange(c, prev Candle) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prev.Close)
	lc := math.Abs(c.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// Supertrend calculates the Supertrend line and its direction (+1 when
// price rides above the lower band, -1 below the upper band). Bands stay
// monotonic until the close breaches the previous final band.
func Supertrend(candles []Candle, period int, multiplier float64) (value float64, dir int, ok bool) {
	atrs := atrSeries(candles, period)
	if atrs == nil {
		return 0, 0, false
	}

	var finalUpper, finalLower float64
	dir = 1
	for i := period; i < len(candles); i++ {
		mid := (candles[i].High + candles[i].Low) / 2
		basicUpper := mid + multiplier*atrs[i]
		basicLower := mid - multiplier*atrs[i]

		if i == period {
			finalUpper, finalLower = basicUpper, basicLower
		} else {
			prevClose := candles[i-1].Close
			if basicUpper < finalUpper || prevClose > finalUpper {
				finalUpper = basicUpper
			}
			if basicLower > finalLower || prevClose < finalLower {
				finalLower = basicLower
			}
		}

		close := candles[i].Close
		if dir == 1 && close < finalLower {
			dir = -1
		} else if dir == -1 && close > finalUpper {
			dir = 1
		}
	}

	if dir == 1 {
		return finalLower, dir, true
	}
	return finalUpper, dir, true
}

// RSI calculates the Wilder-smoothed Relative Strength Index.
func RSI(candles []Candle, period int) (float64, bool) {
	if len(candles) < period+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// ADX calculates the Wilder-smoothed Average Directional Index together
// with the +DI/-DI components. Needs 2*period bars before it reports ready.
func ADX(candles []Candle, period int) (adx, plusDI, minusDI float64, ok bool) {
	if len(candles) < 2*period+1 {
		return 0, 0, 0, false
	}

	var smTR, smPlusDM, smMinusDM float64
	var dxs []float64

	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(candles[i], candles[i-1])

		if i <= period {
			smTR += tr
			smPlusDM += plusDM
			smMinusDM += minusDM
			if i < period {
				continue
			}
		} else {
			smTR = smTR - smTR/float64(period) + tr
			smPlusDM = smPlusDM - smPlusDM/float64(period) + plusDM
			smMinusDM = smMinusDM - smMinusDM/float64(period) + minusDM
		}

		if smTR == 0 {
			dxs = append(dxs, 0)
			continue
		}
		plusDI = 100 * smPlusDM / smTR
		minusDI = 100 * smMinusDM / smTR
		sum := plusDI + minusDI
		if sum == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/sum)
	}

	if len(dxs) < period {
		return 0, 0, 0, false
	}
	adx = 0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx, plusDI, minusDI, true
}

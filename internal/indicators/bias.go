package indicators

// Bias is the index directional verdict.
type Bias string

const (
	BiasBull    Bias = "BULL"
	BiasBear    Bias = "BEAR"
	BiasNeutral Bias = "NEUTRAL"
)

// BiasMode controls how strictly the index bias gates entries.
type BiasMode string

const (
	// BiasStrong requires the bias to agree with the signal side.
	BiasStrong BiasMode = "STRONG"
	// BiasFilter blocks only outright disagreement.
	BiasFilter BiasMode = "FILTER"
	// BiasOff bypasses the check entirely.
	BiasOff BiasMode = "OFF"
)

// BiasConfig selects which indicators vote and the score threshold.
type BiasConfig struct {
	Mode          BiasMode
	MinScore      int
	UseEMA        bool
	UseVWAP       bool
	UseSupertrend bool
	UseRSI        bool
	UseADX        bool
}

// Score sums the -1/0/+1 votes of the enabled, ready indicators.
// Indicators that are not ready abstain rather than guess.
func (cfg BiasConfig) Score(s Snapshot) int {
	score := 0
	if cfg.UseEMA && s.EMAOK {
		switch {
		case s.LastClose > s.EMA9 && s.EMA9 > s.EMA21:
			score++
		case s.LastClose < s.EMA9 && s.EMA9 < s.EMA21:
			score--
		}
	}
	if cfg.UseVWAP && s.VWAPOK {
		switch {
		case s.LastClose > s.VWAP:
			score++
		case s.LastClose < s.VWAP:
			score--
		}
	}
	if cfg.UseSupertrend && s.SupertrendOK {
		score += s.SupertrendDir
	}
	if cfg.UseRSI && s.RSIOK {
		switch {
		case s.RSI > 55:
			score++
		case s.RSI < 45:
			score--
		}
	}
	if cfg.UseADX && s.ADXOK && s.ADX >= 20 {
		switch {
		case s.PlusDI > s.MinusDI:
			score++
		case s.MinusDI > s.PlusDI:
			score--
		}
	}
	return score
}

// Verdict maps a score to BULL/BEAR/NEUTRAL against MinScore.
func (cfg BiasConfig) Verdict(s Snapshot) Bias {
	score := cfg.Score(s)
	if score >= cfg.MinScore {
		return BiasBull
	}
	if score <= -cfg.MinScore {
		return BiasBear
	}
	return BiasNeutral
}

// Allows reports whether an entry on the side wanting `want` passes the
// bias gate under the configured mode.
func (cfg BiasConfig) Allows(s Snapshot, want Bias) (bool, Bias) {
	if cfg.Mode == BiasOff {
		return true, BiasNeutral
	}
	bias := cfg.Verdict(s)
	switch cfg.Mode {
	case BiasStrong:
		return bias == want, bias
	case BiasFilter:
		opposite := BiasBear
		if want == BiasBear {
			opposite = BiasBull
		}
		return bias != opposite, bias
	}
	return true, bias
}

// Package playbook owns the entry/exit parameter bundle. Exactly one
// mutable base exists per agent; the regime-selected "current" playbook is
// always derived from base and never mutated independently. External
// adjustments (advisor, tuner, bandit) all land on base through
// ApplyAdjustments, the single write path.
package playbook

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Params is one playbook parameter set.
type Params struct {
	MomentumTicks       int     `json:"momentum_ticks"`
	TPPoints            float64 `json:"tp_points"`
	SLPoints            float64 `json:"sl_points"`
	TrailDistance       float64 `json:"trail_distance"`
	TrailStep           float64 `json:"trail_step"`
	TrailingEnabled     bool    `json:"trailing_enabled"`
	TrailingOverridesTP bool    `json:"trailing_overrides_tp"`
	SpreadCap           float64 `json:"spread_cap"`
}

// Regime names the volatility/expiry-time regimes.
type Regime string

const (
	RegimeTrend       Regime = "trend"
	RegimeChop        Regime = "chop"
	RegimeExpiryGamma Regime = "expiry_gamma"
)

// trendVolatility is the volatility at or above which the market is
// treated as trending and base is used unmodified.
const trendVolatility = 1.2

// Manager selects the active regime and guards the base parameter set.
type Manager struct {
	mu      sync.RWMutex
	log     zerolog.Logger
	base    Params
	current Params
	regime  Regime
	expiry  time.Time // zero when no expiry date configured
}

// NewManager creates a playbook manager seeded with base. expiry is the
// traded contract's expiry day (zero disables the expiry regime).
func NewManager(base Params, expiry time.Time, log zerolog.Logger) *Manager {
	m := &Manager{
		log:     log.With().Str("component", "playbook").Logger(),
		base:    base,
		current: base,
		regime:  RegimeTrend,
		expiry:  expiry,
	}
	return m
}

// Update re-derives the current playbook from base given the side's
// volatility and the wall clock. Deterministic: same inputs, same regime.
func (m *Manager) Update(volatility float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.regime
	switch {
	case m.isExpiryAfternoon(now):
		m.regime = RegimeExpiryGamma
		m.current = deriveExpiryGamma(m.base, now)
	case volatility >= trendVolatility:
		m.regime = RegimeTrend
		m.current = m.base
	default:
		m.regime = RegimeChop
		m.current = deriveChop(m.base)
	}
	if m.regime != prev {
		m.log.Info().Str("from", string(prev)).Str("to", string(m.regime)).
			Float64("volatility", volatility).Msg("regime changed")
	}
}

func (m *Manager) isExpiryAfternoon(now time.Time) bool {
	if m.expiry.IsZero() {
		return false
	}
	ey, em, ed := m.expiry.Date()
	ny, nm, nd := now.Date()
	return ey == ny && em == nm && ed == nd && now.Hour() >= 14
}

// deriveExpiryGamma tightens the momentum requirement and steps TP down as
// the afternoon progresses, reflecting pinning risk near expiry.
func deriveExpiryGamma(base Params, now time.Time) Params {
	p := base
	p.MomentumTicks = base.MomentumTicks + 1
	switch {
	case now.Hour() >= 15:
		p.TPPoints = base.TPPoints * 0.5
	default: // 14:00-15:00
		p.TPPoints = base.TPPoints * 0.75
	}
	if p.TPPoints < 1 {
		p.TPPoints = 1
	}
	return p
}

// deriveChop raises the momentum requirement by one, capped at 6.
func deriveChop(base Params) Params {
	p := base
	p.MomentumTicks = base.MomentumTicks + 1
	if p.MomentumTicks > 6 {
		p.MomentumTicks = 6
	}
	return p
}

// Current returns the regime-selected playbook and its regime name.
func (m *Manager) Current() (Params, Regime) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.regime
}

// Base returns the base parameter set.
func (m *Manager) Base() Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base
}

// ApplyAdjustments mutates only the fields present in changes on base.
// Unknown keys are ignored without error. Returns the names of the fields
// that were applied. The derived current playbook picks the new values up
// on the next Update.
func (m *Manager) ApplyAdjustments(changes map[string]interface{}) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var applied []string
	for key, raw := range changes {
		switch key {
		case "momentum_ticks":
			if v, ok := asFloat(raw); ok {
				m.base.MomentumTicks = int(v)
				applied = append(applied, key)
			}
		case "tp_points":
			if v, ok := asFloat(raw); ok {
				m.base.TPPoints = v
				applied = append(applied, key)
			}
		case "sl_points":
			if v, ok := asFloat(raw); ok {
				m.base.SLPoints = v
				applied = append(applied, key)
			}
		case "trail_distance":
			if v, ok := asFloat(raw); ok {
				m.base.TrailDistance = v
				applied = append(applied, key)
			}
		case "trail_step":
			if v, ok := asFloat(raw); ok {
				m.base.TrailStep = v
				applied = append(applied, key)
			}
		case "trailing_enabled":
			if v, ok := raw.(bool); ok {
				m.base.TrailingEnabled = v
				applied = append(applied, key)
			}
		case "trailing_overrides_tp":
			if v, ok := raw.(bool); ok {
				m.base.TrailingOverridesTP = v
				applied = append(applied, key)
			}
		case "spread_cap":
			if v, ok := asFloat(raw); ok {
				m.base.SpreadCap = v
				applied = append(applied, key)
			}
		}
	}
	if len(applied) > 0 {
		m.log.Info().Strs("fields", applied).Msg("base playbook adjusted")
	}
	return applied
}

func asFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

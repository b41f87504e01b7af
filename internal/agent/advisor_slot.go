package agent

import (
	"context"
	"sync"
	"time"

	"options-scalper-bot/internal/advisor"
	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/tuner"
)

// AdvisorSource is the fast in-trade advice provider.
type AdvisorSource interface {
	Enabled() bool
	GetLiveUpdate(ctx context.Context, payload interface{}) *advisor.Advice
}

// advisorSlot is a single-occupancy cell for live advisor lookups: at most
// one request is in flight, and its result is polled, never awaited. The
// tick path stays non-blocking no matter how slow the provider is.
type advisorSlot struct {
	src      AdvisorSource
	interval time.Duration

	mu         sync.Mutex
	inFlight   bool
	result     *advisor.Advice
	lastLaunch time.Time
}

func newAdvisorSlot(src AdvisorSource, interval time.Duration) *advisorSlot {
	if interval <= 0 {
		interval = time.Minute
	}
	return &advisorSlot{src: src, interval: interval}
}

func (s *advisorSlot) enabled() bool {
	return s.src != nil && s.src.Enabled()
}

// take returns and clears the completed result, if any.
func (s *advisorSlot) take() *advisor.Advice {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.result
	s.result = nil
	return r
}

// tryLaunch starts a lookup unless one is in flight or the interval has not
// elapsed. The payload is built lazily, only when a launch happens.
func (s *advisorSlot) tryLaunch(ctx context.Context, now time.Time, buildPayload func() interface{}) bool {
	s.mu.Lock()
	if s.inFlight || now.Sub(s.lastLaunch) < s.interval {
		s.mu.Unlock()
		return false
	}
	s.inFlight = true
	s.lastLaunch = now
	s.mu.Unlock()

	payload := buildPayload()
	go func() {
		advice := s.src.GetLiveUpdate(ctx, payload)
		s.mu.Lock()
		s.inFlight = false
		s.result = advice
		s.mu.Unlock()
	}()
	return true
}

// pollAdvisor applies any completed live advice and, while a position is
// open, schedules the next lookup. Advice passes through the same clamp
// schema as tuning output before it can touch the playbook base.
func (a *Agent) pollAdvisor(now time.Time) {
	if !a.advisorSlot.enabled() {
		return
	}

	if advice := a.advisorSlot.take(); advice != nil {
		clamped := tuner.ClampChanges(advice.Changes)
		if len(clamped) > 0 {
			applied := a.playbooks.ApplyAdjustments(clamped)
			if len(applied) > 0 {
				a.log.Info().Strs("fields", applied).Str("notes", advice.Notes).
					Msg("live advice applied")
			}
		}
	}

	pos, ok := a.risk.Position()
	if !ok {
		return
	}
	a.advisorSlot.tryLaunch(a.ctx, now, func() interface{} {
		params, regime := a.playbooks.Current()
		return map[string]interface{}{
			"position": map[string]interface{}{
				"side":        string(pos.Side),
				"symbol":      pos.Symbol,
				"quantity":    pos.Quantity,
				"entry_price": pos.EntryPrice,
				"age_s":       now.Sub(pos.EntryTS).Seconds(),
			},
			"risk":     a.risk.Status(),
			"features": a.features.Snapshot(pos.Side),
			"playbook": params,
			"regime":   string(regime),
		}
	})
}

// positionFeatures builds the feature vector captured with a trade record.
func (a *Agent) positionFeatures(side market.Side) map[string]float64 {
	feat := a.features.Snapshot(side)
	out := map[string]float64{
		"momentum_count": float64(feat.MomentumCount),
		"direction":      float64(feat.Direction),
		"spread":         feat.Spread,
		"volatility":     a.features.Volatility(side),
	}
	if feat.Imbalance != nil {
		out["imbalance"] = *feat.Imbalance
	}
	return out
}

// Package risk tracks the open position, realized/open P&L and the session
// loss limits. The engine is a Flat -> Open -> Flat state machine: entries
// are gated by CanEnter, and risk state is only mutated after the order
// gateway has confirmed a fill.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-scalper-bot/internal/market"
)

// Config holds session loss limits and entry throttles.
type Config struct {
	DailyMaxLoss      float64
	PerTradeMaxLoss   float64
	CooldownAfterLoss time.Duration
	MinEntryGap       time.Duration
	MaxTradesPerMin   int
	MaxTradeDuration  time.Duration
}

// Position is the single open position. At most one exists per engine.
type Position struct {
	Side       market.Side
	Symbol     string
	Quantity   int
	EntryPrice float64 // volume-weighted across averaging fills
	EntryTS    time.Time
}

// Status is a read-only snapshot of the session risk state.
type Status struct {
	DailyPnL      float64   `json:"daily_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	OpenPnL       float64   `json:"open_pnl"`
	DailyLossHit  bool      `json:"daily_loss_hit"`
	CooldownUntil time.Time `json:"cooldown_until"`
	TradesToday   int       `json:"trades_today"`
	HasPosition   bool      `json:"has_position"`
}

// TimeGuardAction is the outcome of EvaluateTimeGuard.
type TimeGuardAction int

const (
	GuardNone TimeGuardAction = iota
	// GuardExitNow: the position is past its max duration, momentum is
	// gone and pnl is non-negative. Take the time-based profit.
	GuardExitNow
	// GuardTightenStop: past max duration with momentum gone but pnl
	// negative. Give it room while protecting against further loss.
	GuardTightenStop
)

// Engine is the risk state machine. All methods are safe for concurrent
// use, though mutation only ever happens from the tick-handling path.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log zerolog.Logger

	pos           *Position
	realizedPnL   float64
	openPnL       float64
	dailyLossHit  bool
	cooldownUntil time.Time
	tradesToday   int
	lastEntryAt   time.Time
	tradeStamps   []time.Time

	now func() time.Time
}

// NewEngine creates a risk engine for one trading session.
func NewEngine(cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		log: log.With().Str("component", "risk").Logger(),
		now: time.Now,
	}
}

// CanEnter reports whether a new entry is currently allowed. On rejection
// the reason is a human-readable status string; on success stale trade
// timestamps are pruned.
func (e *Engine) CanEnter() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.dailyLossHit {
		return false, "daily loss limit hit"
	}
	if now.Before(e.cooldownUntil) {
		return false, fmt.Sprintf("cooldown until %s", e.cooldownUntil.Format("15:04:05"))
	}
	if !e.lastEntryAt.IsZero() && now.Sub(e.lastEntryAt) < e.cfg.MinEntryGap {
		return false, "min entry gap not elapsed"
	}
	recent := 0
	cutoff := now.Add(-time.Minute)
	for _, ts := range e.tradeStamps {
		if ts.After(cutoff) {
			recent++
		}
	}
	if e.cfg.MaxTradesPerMin > 0 && recent >= e.cfg.MaxTradesPerMin {
		return false, fmt.Sprintf("trade rate limit (%d/min)", e.cfg.MaxTradesPerMin)
	}

	pruned := e.tradeStamps[:0]
	for _, ts := range e.tradeStamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	e.tradeStamps = pruned
	return true, ""
}

// RecordEntry transitions Flat -> Open, or folds an averaging fill into the
// existing position (volume-weighted entry price). The caller must have
// validated CanEnter for genuinely new positions.
func (e *Engine) RecordEntry(side market.Side, symbol string, qty int, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.pos != nil {
		// Averaging: never a second independent position.
		total := e.pos.Quantity + qty
		e.pos.EntryPrice = (e.pos.EntryPrice*float64(e.pos.Quantity) + price*float64(qty)) / float64(total)
		e.pos.Quantity = total
		e.log.Info().Str("symbol", symbol).Int("qty", total).
			Float64("avg_entry", e.pos.EntryPrice).Msg("position averaged")
		return
	}

	e.pos = &Position{Side: side, Symbol: symbol, Quantity: qty, EntryPrice: price, EntryTS: now}
	e.lastEntryAt = now
	e.tradeStamps = append(e.tradeStamps, now)
	e.tradesToday++
	e.openPnL = 0
	e.log.Info().Str("side", string(side)).Str("symbol", symbol).
		Int("qty", qty).Float64("entry", price).Msg("position opened")
}

// RecordExit transitions Open -> Flat and returns the realized pnl of this
// exit. A loss at or beyond the per-trade limit arms the cooldown.
func (e *Engine) RecordExit(ltp float64, reason string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos == nil {
		return 0
	}
	pnl := (ltp - e.pos.EntryPrice) * float64(e.pos.Quantity)
	e.realizedPnL += pnl
	e.openPnL = 0

	if pnl <= -e.cfg.PerTradeMaxLoss {
		e.cooldownUntil = e.now().Add(e.cfg.CooldownAfterLoss)
		e.log.Warn().Float64("pnl", pnl).Time("cooldown_until", e.cooldownUntil).
			Msg("per-trade loss limit, cooldown armed")
	}

	e.log.Info().Str("symbol", e.pos.Symbol).Float64("exit", ltp).
		Float64("pnl", pnl).Str("reason", reason).Msg("position closed")
	e.pos = nil
	return pnl
}

// UpdateOpenPnL recomputes open pnl from the position and the latest tick.
// Open pnl is always derived, never drifted.
func (e *Engine) UpdateOpenPnL(ltp float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos == nil {
		e.openPnL = 0
		return 0
	}
	e.openPnL = (ltp - e.pos.EntryPrice) * float64(e.pos.Quantity)
	return e.openPnL
}

// CheckDailyLoss recomputes daily pnl at the given price and latches the
// daily-loss flag when breached. The flag is terminal for the session.
func (e *Engine) CheckDailyLoss(ltp float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := 0.0
	if e.pos != nil {
		open = (ltp - e.pos.EntryPrice) * float64(e.pos.Quantity)
		e.openPnL = open
	}
	daily := e.realizedPnL + open
	if daily <= -e.cfg.DailyMaxLoss {
		if !e.dailyLossHit {
			e.log.Error().Float64("daily_pnl", daily).Msg("daily max loss breached")
		}
		e.dailyLossHit = true
		return true
	}
	return false
}

// EvaluateTimeGuard fires once the position age exceeds the max trade
// duration and momentum is no longer favorable: take profit if pnl >= 0,
// otherwise signal a stop tighten. Never both.
func (e *Engine) EvaluateTimeGuard(ltp float64, momentumFavorable bool) TimeGuardAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos == nil || momentumFavorable {
		return GuardNone
	}
	if e.now().Sub(e.pos.EntryTS) < e.cfg.MaxTradeDuration {
		return GuardNone
	}
	pnl := (ltp - e.pos.EntryPrice) * float64(e.pos.Quantity)
	if pnl >= 0 {
		return GuardExitNow
	}
	return GuardTightenStop
}

// PerTradeMaxLoss exposes the configured per-trade loss limit.
func (e *Engine) PerTradeMaxLoss() float64 {
	return e.cfg.PerTradeMaxLoss
}

// StartCooldown arms an explicit cooldown window (e.g. after a flip exit).
func (e *Engine) StartCooldown(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	until := e.now().Add(d)
	if until.After(e.cooldownUntil) {
		e.cooldownUntil = until
	}
}

// Position returns a copy of the open position, if any.
func (e *Engine) Position() (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos == nil {
		return Position{}, false
	}
	return *e.pos, true
}

// Status returns a snapshot of the session risk state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		DailyPnL:      e.realizedPnL + e.openPnL,
		RealizedPnL:   e.realizedPnL,
		OpenPnL:       e.openPnL,
		DailyLossHit:  e.dailyLossHit,
		CooldownUntil: e.cooldownUntil,
		TradesToday:   e.tradesToday,
		HasPosition:   e.pos != nil,
	}
}

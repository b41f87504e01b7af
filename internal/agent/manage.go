package agent

import (
	"context"
	"time"

	"options-scalper-bot/internal/execution"
	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/risk"
)

// managePosition runs the open-position checks in a fixed order on every
// tick of the position's symbol. The first exit wins; anything after an
// exit is skipped for that tick.
func (a *Agent) managePosition(pos risk.Position, price float64, now time.Time) {
	params, _ := a.playbooks.Current()
	openPnL := a.risk.UpdateOpenPnL(price)

	// Breakeven ratchet: once, in profit, after the configured delay.
	if a.cfg.BreakevenEnabled && !a.breakevenDone &&
		now.Sub(pos.EntryTS) >= time.Duration(a.cfg.BreakevenDelayS)*time.Second &&
		price > pos.EntryPrice+a.cfg.BreakevenBuffer {
		be := pos.EntryPrice + a.cfg.BreakevenBuffer
		if be > a.slPrice {
			a.slPrice = be
			a.log.Info().Float64("sl", a.slPrice).Msg("stop moved to breakeven")
		}
		a.breakevenDone = true
	}

	// Profit lock ratchet: once, after the trigger profit is reached.
	if a.cfg.ProfitLockTrigger > 0 && !a.profitLockDone &&
		price-pos.EntryPrice >= a.cfg.ProfitLockTrigger {
		lock := pos.EntryPrice + a.cfg.ProfitLockPoints
		if lock > a.slPrice {
			a.slPrice = lock
			a.log.Info().Float64("sl", a.slPrice).Msg("profit lock armed")
		}
		a.profitLockDone = true
	}

	if a.risk.CheckDailyLoss(price) {
		a.haltFatal("Daily max loss")
		return
	}

	if openPnL <= -a.risk.PerTradeMaxLoss() {
		a.exitPosition(price, "Per-trade max loss")
		return
	}

	// Fixed TP, unless active trailing is configured to override it.
	if !(a.trailingActive && params.TrailingOverridesTP) && price >= a.tpPrice {
		a.exitPosition(price, "TP hit")
		return
	}

	if price <= a.slPrice {
		reason := "SL hit"
		if a.trailingActive {
			reason = "Trailing SL"
		}
		a.exitPosition(price, reason)
		return
	}

	// Trailing stop: the anchor only rises, and the stop follows it in
	// steps of at least TrailStep.
	if params.TrailingEnabled {
		if price > a.trailAnchor {
			a.trailAnchor = price
		}
		candidate := a.trailAnchor - params.TrailDistance
		if candidate >= a.slPrice+params.TrailStep {
			a.slPrice = candidate
			a.trailingActive = true
			a.log.Debug().Float64("sl", a.slPrice).Float64("anchor", a.trailAnchor).Msg("trailing stop advanced")
		}
	}

	dir, count := a.features.MomentumRun(pos.Side)
	momentumFavorable := dir == 1 && count >= 2
	switch a.risk.EvaluateTimeGuard(price, momentumFavorable) {
	case risk.GuardExitNow:
		a.exitPosition(price, "Time-based profit take")
		return
	case risk.GuardTightenStop:
		tightened := price - params.SLPoints/2
		if tightened > a.slPrice {
			a.slPrice = tightened
			a.log.Info().Float64("sl", a.slPrice).Msg("time guard tightened stop")
		}
	}

	a.tryAverage(pos, price, now, params.SLPoints, params.TPPoints)
}

// tryAverage adds one fill to a losing position inside the averaging
// window. Averaging never opens a second position; it folds into the
// existing one and re-anchors TP/SL on the new volume-weighted entry.
func (a *Agent) tryAverage(pos risk.Position, price float64, now time.Time, slPoints, tpPoints float64) {
	s := a.avgSession
	if s == nil {
		return
	}
	if now.After(s.deadline) || s.fills >= a.cfg.AveragingMaxFills {
		a.avgSession = nil
		return
	}
	if pos.EntryPrice-price < a.cfg.AveragingMinAdverse {
		return
	}

	a.symbolMu.RLock()
	lot := a.lotSize
	a.symbolMu.RUnlock()
	qty := a.cfg.EntryLots * lot
	if a.cfg.MaxQuantity > 0 && pos.Quantity+qty > a.cfg.MaxQuantity {
		a.avgSession = nil
		return
	}

	res := a.gateway.PlaceMarketOrder(a.ctx, execution.ActionBuy, pos.Symbol, qty, "averaging")
	if !res.OK || res.Status == "skipped" {
		return
	}
	fill := res.FillPrice
	if fill <= 0 {
		fill = price
	}
	a.risk.RecordEntry(pos.Side, pos.Symbol, qty, fill)
	s.fills++

	avg, ok := a.risk.Position()
	if !ok {
		return
	}
	effTP := tpPoints
	if a.cfg.RewardRiskGuard && effTP < slPoints {
		effTP = slPoints
	}
	a.tpPrice = avg.EntryPrice + effTP
	a.slPrice = avg.EntryPrice - slPoints
	a.learner.AdjustOpenTrade(avg.Quantity, avg.EntryPrice)
	a.savePositionSnapshot()
	a.setStatus("averaged %s to x%d @ %.2f", avg.Symbol, avg.Quantity, avg.EntryPrice)
}

// evaluateFlip exits the position when the opposite side shows a fully
// reconfirmed momentum signal after the minimum hold. The flip arms a
// cooldown; the opposite entry must then pass the normal pipeline.
func (a *Agent) evaluateFlip(pos risk.Position, oppSide market.Side, now time.Time) {
	if !a.cfg.FlipEnabled {
		return
	}
	if now.Sub(pos.EntryTS) < time.Duration(a.cfg.FlipMinHoldS)*time.Second {
		return
	}
	params, _ := a.playbooks.Current()
	dir, count := a.features.MomentumRun(oppSide)
	if dir != 1 || count < params.MomentumTicks {
		return
	}
	price := a.lastPrice(pos.Symbol)
	if price <= 0 {
		return
	}
	if a.exitPosition(price, "Flip") {
		a.risk.StartCooldown(time.Duration(a.cfg.FlipCooldownS) * time.Second)
		a.setStatus("flipped out of %s on %s signal", pos.Side, oppSide)
	}
}

// exitPosition sells the full position. On a confirmed fill it settles
// pnl, finalizes the trade record, gives the bandit a tune opportunity and
// clears all transient state. Returns false when the exit order failed and
// the position remains open.
func (a *Agent) exitPosition(price float64, reason string) bool {
	pos, ok := a.risk.Position()
	if !ok {
		return false
	}

	// Own context: shutdown flattens run after a.ctx is cancelled and
	// the exit order must still go out.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := a.gateway.PlaceMarketOrder(ctx, execution.ActionSell, pos.Symbol, pos.Quantity, reason)
	if !res.OK {
		a.setStatus("exit order failed: %s", res.Message)
		a.bus.PublishError("agent", "exit order failed: "+res.Message)
		return false
	}
	fill := res.FillPrice
	if fill <= 0 {
		fill = price
	}

	pnl := a.risk.RecordExit(fill, reason)
	a.learner.FinalizeTrade(fill, pnl, reason)
	if arm, ok := a.learner.MaybeTune(a.playbooks.Base()); ok {
		a.playbooks.ApplyAdjustments(arm.Changes)
	}

	a.clearPositionState()
	a.lastExitPrice[pos.Side] = fill

	a.bus.PublishTradeClosed(pos.Symbol, reason, fill, pnl)
	a.notifier.SendTradeClose(pos.Symbol, pos.EntryPrice, fill, pnl, reason)
	if a.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.snapshots.Clear(ctx)
		cancel()
	}
	a.setStatus("exited %s x%d @ %.2f (%s, pnl %.2f)", pos.Symbol, pos.Quantity, fill, reason, pnl)
	return true
}

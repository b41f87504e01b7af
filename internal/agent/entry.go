package agent

import (
	"context"
	"math"
	"time"

	"options-scalper-bot/internal/events"
	"options-scalper-bot/internal/execution"
	"options-scalper-bot/internal/indicators"
	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/playbook"
	"options-scalper-bot/internal/snapshot"
)

// evaluateEntry runs the layered entry pipeline for an option-side tick
// while flat. Gates run in a fixed order and the first failing gate
// short-circuits with a human-readable status; an entry happens only when
// every gate passes.
func (a *Agent) evaluateEntry(side market.Side, u market.Update, now time.Time) {
	params, regime := a.playbooks.Current()

	if !a.sideAllowed(side) {
		a.setStatus("%s blocked by trade mode %s", side, a.cfg.TradeMode)
		return
	}

	if a.cfg.UnderlyingFilter {
		want := 1
		if side == market.SidePE {
			want = -1
		}
		dir, count := a.features.MomentumRun(market.SideUnderlying)
		if dir != want || count < a.cfg.UnderlyingTicks {
			a.setStatus("underlying momentum not aligned for %s (%d/%d)", side, count, a.cfg.UnderlyingTicks)
			return
		}
	}

	if ok, why := a.candleConfirmed(side); !ok {
		a.setStatus("candle confirmation failed: %s", why)
		return
	}

	need := params.MomentumTicks
	if a.cfg.CandleConfirmMode != "off" && a.cfg.CandleConfirmTicks > need {
		need = a.cfg.CandleConfirmTicks
	}
	dir, count := a.features.MomentumRun(side)
	if dir != 1 || count < need {
		a.setStatus("%s momentum %d/%d not ready", side, count, need)
		return
	}

	oppUp := 0
	if oppDir, oppCount := a.features.MomentumRun(side.Opposite()); oppDir == 1 {
		oppUp = oppCount
	}
	if count < oppUp+a.cfg.RelStrengthMargin {
		a.setStatus("%s not stronger than %s (%d vs %d+%d)", side, side.Opposite(), count, oppUp, a.cfg.RelStrengthMargin)
		return
	}

	want := indicators.BiasBull
	if side == market.SidePE {
		want = indicators.BiasBear
	}
	if ok, bias := a.biasCfg.Allows(a.index.Snapshot(), want); !ok {
		a.setStatus("index bias %s blocks %s entry", bias, side)
		return
	}

	feat := a.features.Snapshot(side)
	spreadCap := params.SpreadCap
	if regime == playbook.RegimeExpiryGamma {
		// Spreads blow out in the expiry afternoon; the raw cap would
		// block everything.
		spreadCap *= 1.5
	}
	if feat.Spread > spreadCap {
		a.setStatus("spread %.2f above cap %.2f", feat.Spread, spreadCap)
		return
	}

	if a.cfg.ImbalanceMin > 0 && feat.Imbalance != nil && *feat.Imbalance < a.cfg.ImbalanceMin {
		a.setStatus("order book imbalance %.2f below %.2f", *feat.Imbalance, a.cfg.ImbalanceMin)
		return
	}

	if last, ok := a.lastExitPrice[side]; ok && math.Abs(u.LTP-last) < a.cfg.MinMovePoints {
		a.setStatus("%.2f has not moved %.1f points from last %s exit %.2f", u.LTP, a.cfg.MinMovePoints, side, last)
		return
	}

	if ok, reason := a.risk.CanEnter(); !ok {
		a.setStatus("risk: %s", reason)
		a.bus.Publish(events.Event{Type: events.EventEntrySkipped, Data: map[string]interface{}{
			"side":   string(side),
			"reason": reason,
		}})
		return
	}

	a.placeEntry(side, u.Symbol, u.LTP, params, now)
}

// sideAllowed applies the trade mode gate.
func (a *Agent) sideAllowed(side market.Side) bool {
	switch a.cfg.TradeMode {
	case "CE_ONLY":
		return side == market.SideCE
	case "PE_ONLY":
		return side == market.SidePE
	}
	return true
}

// candleConfirmed checks the configured candle confirmation. Missing candle
// history fails closed.
func (a *Agent) candleConfirmed(side market.Side) (bool, string) {
	series := a.sideSeries(side)
	switch a.cfg.CandleConfirmMode {
	case "off":
		return true, ""
	case "prev_close":
		last, ok1 := series.LastClose()
		prev, ok2 := series.PrevClose()
		if !ok1 || !ok2 {
			return false, "candle history not ready"
		}
		if last <= prev {
			return false, "last close not above previous close"
		}
		return true, ""
	default: // ema9
		last, ok1 := series.LastClose()
		ema, ok2 := series.EMA()
		if !ok1 || !ok2 {
			return false, "EMA not ready"
		}
		if last <= ema {
			return false, "last close not above EMA9"
		}
		return true, ""
	}
}

// placeEntry executes the entry order and seeds position-scoped state.
// Risk and learning state change only after the gateway confirms a fill.
func (a *Agent) placeEntry(side market.Side, symbol string, price float64, params playbook.Params, now time.Time) {
	a.symbolMu.RLock()
	lot := a.lotSize
	a.symbolMu.RUnlock()

	qty := a.cfg.EntryLots * lot
	if a.cfg.MaxQuantity > 0 && qty > a.cfg.MaxQuantity {
		// Oversized entries are skipped, not resized.
		a.setStatus("entry qty %d exceeds max %d, skipped", qty, a.cfg.MaxQuantity)
		return
	}

	res := a.gateway.PlaceMarketOrder(a.ctx, execution.ActionBuy, symbol, qty, "entry signal")
	if !res.OK {
		a.setStatus("entry order failed: %s", res.Message)
		a.bus.PublishError("agent", "entry order failed: "+res.Message)
		return
	}
	if res.Status == "skipped" {
		a.setStatus("assist mode: %s entry signaled, no order placed", side)
		return
	}

	fill := res.FillPrice
	if fill <= 0 {
		fill = price
	}
	a.risk.RecordEntry(side, symbol, qty, fill)
	a.seedPositionState(fill, params, now)

	a.learner.BeginTrade(symbol, side, qty, fill, params, a.positionFeatures(side))
	a.bus.PublishTradeOpened(symbol, string(side), fill, qty)
	a.notifier.SendTradeOpen(symbol, string(side), fill, qty)
	a.savePositionSnapshot()
	a.setStatus("entered %s %s x%d @ %.2f (tp %.2f sl %.2f)", side, symbol, qty, fill, a.tpPrice, a.slPrice)
}

// seedPositionState resets the per-position transient state from the fill.
func (a *Agent) seedPositionState(fill float64, params playbook.Params, now time.Time) {
	effTP := params.TPPoints
	if a.cfg.RewardRiskGuard && effTP < params.SLPoints {
		// Never risk more than the position can make.
		effTP = params.SLPoints
	}
	a.tpPrice = fill + effTP
	a.slPrice = fill - params.SLPoints
	a.trailAnchor = fill
	a.trailingActive = false
	a.breakevenDone = false
	a.profitLockDone = false

	a.avgSession = nil
	if a.cfg.AveragingEnabled {
		a.avgSession = &averagingSession{
			deadline: now.Add(time.Duration(a.cfg.AveragingWindowS) * time.Second),
		}
	}
}

// clearPositionState wipes transient position state after an exit.
func (a *Agent) clearPositionState() {
	a.tpPrice = 0
	a.slPrice = 0
	a.trailAnchor = 0
	a.trailingActive = false
	a.breakevenDone = false
	a.profitLockDone = false
	a.avgSession = nil
}

func (a *Agent) savePositionSnapshot() {
	if a.snapshots == nil {
		return
	}
	pos, ok := a.risk.Position()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
	defer cancel()
	a.snapshots.Save(ctx, snapshot.PositionSnapshot{
		Side:       string(pos.Side),
		Symbol:     pos.Symbol,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		EntryTS:    pos.EntryTS,
	})
}

package agent

import (
	"context"
	"fmt"
	"math"
	"time"

	"options-scalper-bot/internal/events"
	"options-scalper-bot/internal/market"
)

// maybeRollStrikes checks, on every underlying tick, whether the index has
// drifted far enough from the last strike anchor to re-strike. The chain
// lookup runs off the tick path; at most one roll is in flight. Rolls are
// deferred while a position is open so the position's symbol never aliases
// with a fresh strike's feature stream.
func (a *Agent) maybeRollStrikes(underlyingPrice float64) {
	if !a.cfg.StrikeRollEnabled {
		return
	}
	if _, open := a.risk.Position(); open {
		return
	}

	a.symbolMu.Lock()
	if a.rollAnchor <= 0 {
		a.rollAnchor = underlyingPrice
		a.symbolMu.Unlock()
		return
	}
	if a.rolling || math.Abs(underlyingPrice-a.rollAnchor) < a.cfg.StrikeRollPoints {
		a.symbolMu.Unlock()
		return
	}
	a.rolling = true
	a.symbolMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.symbolMu.Lock()
			a.rolling = false
			a.symbolMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		defer cancel()
		if err := a.resolveStrikes(ctx, underlyingPrice); err != nil {
			a.log.Warn().Err(err).Float64("underlying", underlyingPrice).Msg("strike roll failed")
		}
	}()
}

// resolveStrikes fetches the chain, selects the configured offset from ATM
// and swaps the subscribed option symbols. anchorPrice > 0 re-anchors the
// roll trigger; 0 (initial resolve) anchors on the ATM strike.
func (a *Agent) resolveStrikes(ctx context.Context, anchorPrice float64) error {
	chain, err := a.chain.GetOptionChain(ctx, a.cfg.Underlying, a.cfg.Exchange, a.cfg.ExpiryDate, a.cfg.StrikeCount)
	if err != nil {
		return err
	}
	pair, ok := chain.SelectStrike(a.cfg.StrikeOffset)
	if !ok {
		return fmt.Errorf("chain has no usable strike at offset %d from ATM %.0f", a.cfg.StrikeOffset, chain.ATMStrike)
	}

	a.symbolMu.Lock()
	oldCE, oldPE := a.ceSymbol, a.peSymbol
	if pair.CESymbol == oldCE && pair.PESymbol == oldPE {
		a.rollAnchor = anchorOr(anchorPrice, chain.ATMStrike)
		a.symbolMu.Unlock()
		return nil
	}
	delete(a.symbolSides, oldCE)
	delete(a.symbolSides, oldPE)
	a.symbolSides[a.cfg.Underlying] = market.SideUnderlying
	a.symbolSides[pair.CESymbol] = market.SideCE
	a.symbolSides[pair.PESymbol] = market.SidePE
	a.ceSymbol = pair.CESymbol
	a.peSymbol = pair.PESymbol
	a.lotSize = pair.LotSize
	a.rollAnchor = anchorOr(anchorPrice, chain.ATMStrike)
	a.symbolMu.Unlock()

	if oldCE == "" {
		// Initial resolve; Start subscribes once the feed is up.
		a.log.Info().Float64("strike", pair.Strike).Str("ce", pair.CESymbol).
			Str("pe", pair.PESymbol).Int("lot", pair.LotSize).Msg("strikes resolved")
		return nil
	}

	if err := a.feed.Resubscribe([]string{oldCE, oldPE}, []string{pair.CESymbol, pair.PESymbol}); err != nil {
		return fmt.Errorf("resubscribe after roll: %w", err)
	}
	a.bus.Publish(events.Event{Type: events.EventStrikeRolled, Data: map[string]interface{}{
		"strike":    pair.Strike,
		"ce_symbol": pair.CESymbol,
		"pe_symbol": pair.PESymbol,
		"old_ce":    oldCE,
		"old_pe":    oldPE,
	}})
	a.log.Info().Float64("strike", pair.Strike).Str("ce", pair.CESymbol).
		Str("pe", pair.PESymbol).Msg("rolled to new strikes")
	return nil
}

func anchorOr(anchorPrice, fallback float64) float64 {
	if anchorPrice > 0 {
		return anchorPrice
	}
	return fallback
}

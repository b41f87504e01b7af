// Package market defines the market data model and the feed/chain
// collaborator boundaries. External payload tolerance lives here so the
// rest of the system only ever sees the canonical shapes below.
package market

import "time"

// Side identifies which stream a tick belongs to.
type Side string

const (
	SideCE         Side = "CE"
	SidePE         Side = "PE"
	SideUnderlying Side = "UNDERLYING"
)

// Opposite returns the other option side. Underlying has no opposite.
func (s Side) Opposite() Side {
	switch s {
	case SideCE:
		return SidePE
	case SidePE:
		return SideCE
	}
	return s
}

// Depth is top-of-book state attached to a tick when the feed provides it.
type Depth struct {
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	BidQty float64 `json:"bid_qty"`
	AskQty float64 `json:"ask_qty"`
}

// Tick is a single market data update. Ticks are ephemeral: the runtime
// consumes them immediately and retains nothing beyond derived features.
type Tick struct {
	Side      Side
	Symbol    string
	Price     float64
	Timestamp time.Time
	Depth     *Depth
}

// ChainLeg describes one option contract at a strike.
type ChainLeg struct {
	Symbol   string  `json:"symbol"`
	LotSize  int     `json:"lotsize"`
	TickSize float64 `json:"tick_size"`
}

// ChainRow is one strike of an option chain.
type ChainRow struct {
	Strike float64   `json:"strike"`
	CE     *ChainLeg `json:"ce"`
	PE     *ChainLeg `json:"pe"`
}

// Chain is an option chain snapshot around the at-the-money strike.
type Chain struct {
	Rows      []ChainRow `json:"chain"`
	ATMStrike float64    `json:"atm_strike"`
}

// StrikePair is the CE/PE symbol pair selected from a chain.
type StrikePair struct {
	Strike   float64
	CESymbol string
	PESymbol string
	LotSize  int
}

// SelectStrike picks the row `offset` strikes away from ATM and returns its
// CE/PE pair. Returns ok=false when the chain does not cover the offset or
// either leg is missing.
func (c *Chain) SelectStrike(offset int) (StrikePair, bool) {
	atmIdx := -1
	for i, row := range c.Rows {
		if row.Strike == c.ATMStrike {
			atmIdx = i
			break
		}
	}
	if atmIdx < 0 {
		return StrikePair{}, false
	}
	idx := atmIdx + offset
	if idx < 0 || idx >= len(c.Rows) {
		return StrikePair{}, false
	}
	row := c.Rows[idx]
	if row.CE == nil || row.PE == nil {
		return StrikePair{}, false
	}
	return StrikePair{
		Strike:   row.Strike,
		CESymbol: row.CE.Symbol,
		PESymbol: row.PE.Symbol,
		LotSize:  row.CE.LotSize,
	}, true
}

// Package learning records each trade's entry and exit and runs an
// epsilon-greedy multi-armed bandit over playbook variants. Completed
// trades are handed to the trade ledger through a single-writer queue so
// the tick path never touches the on-disk store.
package learning

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/playbook"
)

// TradeRecord captures one trade from entry to exit. Immutable once
// finalized.
type TradeRecord struct {
	ID         string             `json:"id"`
	Symbol     string             `json:"symbol"`
	Side       market.Side        `json:"side"`
	Quantity   int                `json:"quantity"`
	EntryPrice float64            `json:"entry_price"`
	ExitPrice  float64            `json:"exit_price"`
	PnL        float64            `json:"pnl"`
	ArmID      string             `json:"arm_id"`
	ExitReason string             `json:"exit_reason"`
	Params     playbook.Params    `json:"params"`
	Features   map[string]float64 `json:"features"`
	EntryTS    time.Time          `json:"entry_ts"`
	ExitTS     time.Time          `json:"exit_ts"`
}

// TradeSink persists finalized trade records.
type TradeSink interface {
	SaveTrade(rec TradeRecord) error
}

// Config controls the bandit tuner.
type Config struct {
	Enabled         bool
	AutoApply       bool
	MinTrades       int
	TuneInterval    time.Duration
	ExplorationRate float64
}

// Summary is the aggregate the model tuner embeds in its context snapshot.
type Summary struct {
	TotalTrades int                 `json:"total_trades"`
	Wins        int                 `json:"wins"`
	Losses      int                 `json:"losses"`
	TotalPnL    float64             `json:"total_pnl"`
	CurrentArm  string              `json:"current_arm"`
	Arms        map[string]ArmStats `json:"arms"`
}

// Orchestrator owns trade records and the bandit state.
type Orchestrator struct {
	mu  sync.Mutex
	cfg Config
	log zerolog.Logger

	open       *TradeRecord
	stats      map[string]*ArmStats
	currentArm string

	totalTrades int
	wins        int
	losses      int
	totalPnL    float64

	tradesSinceTune int
	lastTune        time.Time

	queue chan TradeRecord
	sink  TradeSink
	done  chan struct{}

	now  func() time.Time
	rand *rand.Rand
}

// NewOrchestrator creates a learning orchestrator draining into sink.
// sink may be nil (records are then dropped after the bandit update).
func NewOrchestrator(cfg Config, sink TradeSink, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		log:        log.With().Str("component", "learning").Logger(),
		stats:      make(map[string]*ArmStats),
		currentArm: "base",
		queue:      make(chan TradeRecord, 256),
		sink:       sink,
		done:       make(chan struct{}),
		now:        time.Now,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the persistence worker. The worker is the only goroutine
// that calls the sink.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		defer close(o.done)
		for {
			select {
			case rec, ok := <-o.queue:
				if !ok {
					return
				}
				if o.sink == nil {
					continue
				}
				if err := o.sink.SaveTrade(rec); err != nil {
					o.log.Error().Err(err).Str("trade_id", rec.ID).Msg("trade persist failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// BeginTrade opens a trade record for a genuinely new position (averaging
// fills do not begin records). Returns the record ID.
func (o *Orchestrator) BeginTrade(symbol string, side market.Side, qty int, entry float64, params playbook.Params, features map[string]float64) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.open = &TradeRecord{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: entry,
		ArmID:      o.currentArm,
		Params:     params,
		Features:   features,
		EntryTS:    o.now(),
	}
	return o.open.ID
}

// AdjustOpenTrade folds an averaging fill into the open record.
func (o *Orchestrator) AdjustOpenTrade(qty int, avgEntry float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.open == nil {
		return
	}
	o.open.Quantity = qty
	o.open.EntryPrice = avgEntry
}

// FinalizeTrade closes the open record with the exit fill, updates the
// bandit statistics with the normalized per-unit reward (pnl/quantity) and
// enqueues the record for persistence.
func (o *Orchestrator) FinalizeTrade(exitPrice, pnl float64, reason string) {
	o.mu.Lock()
	rec := o.open
	o.open = nil
	if rec == nil {
		o.mu.Unlock()
		return
	}
	rec.ExitPrice = exitPrice
	rec.PnL = pnl
	rec.ExitReason = reason
	rec.ExitTS = o.now()

	reward := 0.0
	if rec.Quantity > 0 {
		reward = pnl / float64(rec.Quantity)
	}
	st := o.stats[rec.ArmID]
	if st == nil {
		st = &ArmStats{}
		o.stats[rec.ArmID] = st
	}
	st.Plays++
	st.RewardSum += reward
	st.RewardSq += reward * reward

	o.totalTrades++
	o.totalPnL += pnl
	if pnl >= 0 {
		o.wins++
	} else {
		o.losses++
	}
	o.tradesSinceTune++
	o.mu.Unlock()

	select {
	case o.queue <- *rec:
	default:
		o.log.Warn().Str("trade_id", rec.ID).Msg("trade queue full, record dropped")
	}
}

// MaybeTune selects the next arm when the tuner is armed: enabled with
// auto-apply, at least MinTrades completed since the last tune, and the
// tune interval elapsed. Selection is epsilon-greedy over the candidate
// family derived from the current base params.
func (o *Orchestrator) MaybeTune(base playbook.Params) (Arm, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.cfg.Enabled || !o.cfg.AutoApply {
		return Arm{}, false
	}
	if o.tradesSinceTune < o.cfg.MinTrades {
		return Arm{}, false
	}
	now := o.now()
	if !o.lastTune.IsZero() && now.Sub(o.lastTune) < o.cfg.TuneInterval {
		return Arm{}, false
	}

	arm := o.selectArm(DeriveArms(base))
	o.currentArm = arm.ID
	o.tradesSinceTune = 0
	o.lastTune = now
	o.log.Info().Str("arm", arm.ID).Msg("bandit selected arm")
	return arm, true
}

// SelectArm runs one epsilon-greedy selection without the tune guards.
// Exposed for the runtime's explicit retune path and for tests.
func (o *Orchestrator) SelectArm(base playbook.Params) Arm {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selectArm(DeriveArms(base))
}

func (o *Orchestrator) selectArm(arms []Arm) Arm {
	if o.rand.Float64() < o.cfg.ExplorationRate {
		return arms[o.rand.Intn(len(arms))]
	}
	best := arms[0]
	bestMean := o.armMean(best.ID)
	for _, arm := range arms[1:] {
		if mean := o.armMean(arm.ID); mean > bestMean {
			best, bestMean = arm, mean
		}
	}
	return best
}

func (o *Orchestrator) armMean(id string) float64 {
	if st, ok := o.stats[id]; ok {
		return st.Mean()
	}
	return 0
}

// CurrentArm returns the arm active for new trades.
func (o *Orchestrator) CurrentArm() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentArm
}

// Summary returns the aggregate learning state.
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()

	arms := make(map[string]ArmStats, len(o.stats))
	for id, st := range o.stats {
		arms[id] = *st
	}
	return Summary{
		TotalTrades: o.totalTrades,
		Wins:        o.wins,
		Losses:      o.losses,
		TotalPnL:    o.totalPnL,
		CurrentArm:  o.currentArm,
		Arms:        arms,
	}
}

// Close flushes the persistence queue and stops the worker.
func (o *Orchestrator) Close() {
	close(o.queue)
	<-o.done
}

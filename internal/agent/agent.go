// Package agent owns the tick-processing runtime: it consumes the market
// data stream, maintains features and candles, runs the layered entry
// pipeline and position management, and coordinates the risk engine,
// execution gateway and learning orchestrator. Tick processing is
// single-threaded; background tasks (monitor, advisor slot, workers) only
// read snapshots or submit accepted parameter changes.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-scalper-bot/config"
	"options-scalper-bot/internal/events"
	"options-scalper-bot/internal/execution"
	"options-scalper-bot/internal/features"
	"options-scalper-bot/internal/indicators"
	"options-scalper-bot/internal/learning"
	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/notify"
	"options-scalper-bot/internal/playbook"
	"options-scalper-bot/internal/risk"
	"options-scalper-bot/internal/snapshot"
)

// Deps bundles the collaborators injected into an Agent.
type Deps struct {
	Feed            *market.Feed
	Chain           market.ChainProvider
	Risk            *risk.Engine
	Playbooks       *playbook.Manager
	Gateway         *execution.Gateway
	Learner         *learning.Orchestrator
	Advisor         AdvisorSource
	AdvisorInterval time.Duration
	Bus             *events.EventBus
	Notifier        *notify.Manager
	Snapshots       *snapshot.Store
	Logger          zerolog.Logger
}

// averagingSession is the time-boxed window in which adverse moves may be
// averaged into.
type averagingSession struct {
	deadline time.Time
	fills    int
}

// Agent is the stateful decision loop. At most one runs per process,
// owned by the Registry.
type Agent struct {
	cfg     config.AgentConfig
	biasCfg indicators.BiasConfig
	log     zerolog.Logger

	feed      *market.Feed
	chain     market.ChainProvider
	risk      *risk.Engine
	playbooks *playbook.Manager
	gateway   *execution.Gateway
	learner   *learning.Orchestrator
	bus       *events.EventBus
	notifier  *notify.Manager
	snapshots *snapshot.Store

	features *features.Cache
	ceSeries *indicators.SideSeries
	peSeries *indicators.SideSeries
	index    *indicators.IndexSeries

	advisorSlot *advisorSlot

	// Symbol routing. Mutated only from the tick loop and Start.
	symbolMu    sync.RWMutex
	symbolSides map[string]market.Side
	ceSymbol    string
	peSymbol    string
	lotSize     int
	rollAnchor  float64
	rolling     bool

	// Paper-fill price source.
	priceMu    sync.RWMutex
	lastPrices map[string]float64

	// Position-scoped transient state. Reset on every exit.
	tpPrice        float64
	slPrice        float64
	trailAnchor    float64
	trailingActive bool
	breakevenDone  bool
	profitLockDone bool
	avgSession     *averagingSession

	lastExitPrice map[market.Side]float64

	statusMu   sync.RWMutex
	lastStatus string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs an agent. Call Start to connect and begin trading.
func New(cfg config.AgentConfig, biasCfg config.BiasConfig, deps Deps) *Agent {
	return &Agent{
		cfg: cfg,
		biasCfg: indicators.BiasConfig{
			Mode:          indicators.BiasMode(biasCfg.Mode),
			MinScore:      biasCfg.MinScore,
			UseEMA:        biasCfg.UseEMA,
			UseVWAP:       biasCfg.UseVWAP,
			UseSupertrend: biasCfg.UseSupertrend,
			UseRSI:        biasCfg.UseRSI,
			UseADX:        biasCfg.UseADX,
		},
		log:           deps.Logger.With().Str("component", "agent").Logger(),
		feed:          deps.Feed,
		chain:         deps.Chain,
		risk:          deps.Risk,
		playbooks:     deps.Playbooks,
		gateway:       deps.Gateway,
		learner:       deps.Learner,
		bus:           deps.Bus,
		notifier:      deps.Notifier,
		snapshots:     deps.Snapshots,
		features:      features.NewCache(),
		ceSeries:      indicators.NewSideSeries(9),
		peSeries:      indicators.NewSideSeries(9),
		index:         indicators.NewIndexSeries(),
		advisorSlot:   newAdvisorSlot(deps.Advisor, deps.AdvisorInterval),
		symbolSides:   make(map[string]market.Side),
		lastPrices:    make(map[string]float64),
		lastExitPrice: make(map[market.Side]float64),
		stopped:       make(chan struct{}),
	}
}

// Start connects the feed, resolves the initial strikes and launches the
// tick loop and the stale-data monitor.
func (a *Agent) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.feed.Connect(a.ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}

	if err := a.resolveStrikes(a.ctx, 0); err != nil {
		a.feed.Close()
		return fmt.Errorf("resolve strikes: %w", err)
	}

	a.symbolMu.RLock()
	subs := []string{a.cfg.Underlying, a.ceSymbol, a.peSymbol}
	a.symbolMu.RUnlock()
	if err := a.feed.Subscribe(subs...); err != nil {
		a.feed.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	a.gateway.SetPriceSource(a.lastPrice)
	a.warnOrphanSnapshot()

	a.wg.Add(2)
	go a.run()
	go a.monitor()

	a.bus.Publish(events.Event{Type: events.EventAgentStarted, Data: map[string]interface{}{
		"underlying": a.cfg.Underlying,
		"ce_symbol":  subs[1],
		"pe_symbol":  subs[2],
		"mode":       string(a.gateway.Mode()),
	}})
	a.log.Info().Str("underlying", a.cfg.Underlying).Str("ce", subs[1]).Str("pe", subs[2]).Msg("agent started")
	return nil
}

// Stop cancels the stream, waits for the loops to exit and then
// optionally flattens the open position. Idempotent.
func (a *Agent) Stop(flatten bool) {
	a.stop(flatten, "Agent stopped")
}

// stop is the shared shutdown path. The flatten happens only after
// wg.Wait so the tick loop is down and position state has a single
// writer again; exitPosition places the order on its own context since
// a.ctx is already cancelled here.
func (a *Agent) stop(flatten bool, reason string) {
	a.stopOnce.Do(func() {
		a.cancel()
		a.feed.Close()
		a.wg.Wait()
		if flatten {
			if pos, ok := a.risk.Position(); ok {
				if price := a.lastPrice(pos.Symbol); price > 0 {
					a.exitPosition(price, reason)
				}
			}
		}
		close(a.stopped)
		a.bus.Publish(events.Event{Type: events.EventAgentStopped, Data: map[string]interface{}{}})
		a.log.Info().Msg("agent stopped")
	})
}

// Done is closed once the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.stopped
}

// run is the single-writer tick loop. All position/risk/playbook mutation
// happens here.
func (a *Agent) run() {
	defer a.wg.Done()
	for {
		select {
		case update, ok := <-a.feed.Updates():
			if !ok {
				return
			}
			a.handleUpdate(update)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Agent) handleUpdate(u market.Update) {
	side, ok := a.sideFor(u.Symbol)
	if !ok {
		return
	}

	a.priceMu.Lock()
	a.lastPrices[u.Symbol] = u.LTP
	a.priceMu.Unlock()

	a.features.UpdateTick(side, u.LTP, u.Timestamp)
	if u.Depth != nil {
		a.features.UpdateDepth(side, u.Depth.Bid, u.Depth.Ask, u.Depth.BidQty, u.Depth.AskQty)
	}

	now := u.Timestamp
	switch side {
	case market.SideUnderlying:
		a.index.Update(u.LTP, now)
		a.maybeRollStrikes(u.LTP)
	case market.SideCE:
		a.ceSeries.Update(u.LTP, now)
	case market.SidePE:
		a.peSeries.Update(u.LTP, now)
	}

	if side != market.SideUnderlying {
		a.playbooks.Update(a.features.Volatility(side), now)
	}

	a.pollAdvisor(now)

	pos, hasPos := a.risk.Position()
	switch {
	case hasPos && side == pos.Side && u.Symbol == pos.Symbol:
		a.managePosition(pos, u.LTP, now)
	case hasPos && side != market.SideUnderlying && side == pos.Side.Opposite():
		a.evaluateFlip(pos, side, now)
	case !hasPos && side != market.SideUnderlying:
		a.evaluateEntry(side, u, now)
	}
}

func (a *Agent) sideFor(symbol string) (market.Side, bool) {
	a.symbolMu.RLock()
	defer a.symbolMu.RUnlock()
	side, ok := a.symbolSides[symbol]
	return side, ok
}

func (a *Agent) lastPrice(symbol string) float64 {
	a.priceMu.RLock()
	defer a.priceMu.RUnlock()
	return a.lastPrices[symbol]
}

func (a *Agent) setStatus(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	a.statusMu.Lock()
	a.lastStatus = msg
	a.statusMu.Unlock()
	a.log.Debug().Msg(msg)
}

// sideSeries returns the candle series for an option side.
func (a *Agent) sideSeries(side market.Side) *indicators.SideSeries {
	if side == market.SideCE {
		return a.ceSeries
	}
	return a.peSeries
}

// monitor watches for stale feed data. Trading on stale prices is unsafe,
// so staleness is treated like a risk halt: force exit, then stop.
func (a *Agent) monitor() {
	defer a.wg.Done()
	if a.cfg.StaleFeedTimeoutS <= 0 {
		return
	}
	timeout := time.Duration(a.cfg.StaleFeedTimeoutS) * time.Second
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := a.features.LastTickAt(market.SideUnderlying)
			for _, side := range []market.Side{market.SideCE, market.SidePE} {
				if ts := a.features.LastTickAt(side); ts.After(last) {
					last = ts
				}
			}
			if last.IsZero() || time.Since(last) < timeout {
				continue
			}
			a.log.Error().Time("last_tick", last).Msg("stale market data, halting")
			a.bus.Publish(events.Event{Type: events.EventRiskHalt, Data: map[string]interface{}{"reason": "Stale market data"}})
			a.notifier.SendRiskHalt("Stale market data")
			// stop waits on wg, which includes this goroutine.
			go a.stop(true, "Stale market data")
			return
		case <-a.ctx.Done():
			return
		}
	}
}

// haltFatal force-exits any open position and stops the agent. Called
// only from the tick loop; halts detected off the tick path go through
// stop with flatten so the exit runs after the loop is down.
func (a *Agent) haltFatal(reason string) {
	if pos, ok := a.risk.Position(); ok {
		if price := a.lastPrice(pos.Symbol); price > 0 {
			a.exitPosition(price, reason)
		}
	}
	a.bus.Publish(events.Event{Type: events.EventRiskHalt, Data: map[string]interface{}{"reason": reason}})
	a.notifier.SendRiskHalt(reason)
	go a.Stop(false)
}

// Status is the runtime snapshot exposed through the control API.
type Status struct {
	Running    bool                `json:"running"`
	Underlying string              `json:"underlying"`
	CESymbol   string              `json:"ce_symbol"`
	PESymbol   string              `json:"pe_symbol"`
	LotSize    int                 `json:"lot_size"`
	LastStatus string              `json:"last_status"`
	Risk       risk.Status         `json:"risk"`
	Playbook   playbook.Params     `json:"playbook"`
	Regime     playbook.Regime     `json:"regime"`
	Learning   learning.Summary    `json:"learning"`
	IndexBias  indicators.Bias     `json:"index_bias"`
	IndexSnap  indicators.Snapshot `json:"index_indicators"`
}

// Status returns the current runtime snapshot. Safe from any goroutine.
func (a *Agent) Status() Status {
	a.symbolMu.RLock()
	ce, pe, lot := a.ceSymbol, a.peSymbol, a.lotSize
	a.symbolMu.RUnlock()
	a.statusMu.RLock()
	last := a.lastStatus
	a.statusMu.RUnlock()

	params, regime := a.playbooks.Current()
	snap := a.index.Snapshot()

	running := true
	select {
	case <-a.stopped:
		running = false
	default:
	}

	return Status{
		Running:    running,
		Underlying: a.cfg.Underlying,
		CESymbol:   ce,
		PESymbol:   pe,
		LotSize:    lot,
		LastStatus: last,
		Risk:       a.risk.Status(),
		Playbook:   params,
		Regime:     regime,
		Learning:   a.learner.Summary(),
		IndexBias:  a.biasCfg.Verdict(snap),
		IndexSnap:  snap,
	}
}

func (a *Agent) warnOrphanSnapshot() {
	if a.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
	defer cancel()
	snap, err := a.snapshots.Load(ctx)
	if err != nil || snap == nil {
		return
	}
	a.log.Warn().Str("symbol", snap.Symbol).Int("qty", snap.Quantity).
		Time("saved_at", snap.SavedAt).
		Msg("orphaned position snapshot from a previous session, manual review advised")
}

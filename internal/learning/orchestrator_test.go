package learning

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/playbook"
)

func baseParams() playbook.Params {
	return playbook.Params{MomentumTicks: 4, TPPoints: 10, SLPoints: 6, TrailDistance: 4}
}

func testOrchestrator(cfg Config, sink TradeSink) (*Orchestrator, *time.Time) {
	o := NewOrchestrator(cfg, sink, zerolog.Nop())
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)
	o.now = func() time.Time { return now }
	o.rand = rand.New(rand.NewSource(1))
	return o, &now
}

func TestDeriveArmsFamily(t *testing.T) {
	arms := DeriveArms(baseParams())
	if len(arms) != 5 {
		t.Fatalf("expected 5 arms, got %d", len(arms))
	}

	byID := map[string]Arm{}
	for _, a := range arms {
		byID[a.ID] = a
	}
	for _, id := range []string{"base", "tight", "loose", "trend", "defensive"} {
		if _, ok := byID[id]; !ok {
			t.Fatalf("missing arm %q", id)
		}
	}
	if got := byID["tight"].Changes["tp_points"]; got != 8.0 {
		t.Fatalf("tight arm tp must be 8, got %v", got)
	}
	if got := byID["loose"].Changes["momentum_ticks"]; got != 3.0 {
		t.Fatalf("loose arm momentum must be 3, got %v", got)
	}
	if got := byID["trend"].Changes["trailing_enabled"]; got != true {
		t.Fatalf("trend arm must enable trailing, got %v", got)
	}
}

func TestLooseArmMomentumFloor(t *testing.T) {
	p := baseParams()
	p.MomentumTicks = 2
	arms := DeriveArms(p)
	for _, a := range arms {
		if a.ID == "loose" && a.Changes["momentum_ticks"] != 2.0 {
			t.Fatalf("loose momentum must floor at 2, got %v", a.Changes["momentum_ticks"])
		}
	}
}

func TestRewardIsPerUnit(t *testing.T) {
	o, _ := testOrchestrator(Config{Enabled: true}, nil)
	o.BeginTrade("SYM", market.SideCE, 50, 100, baseParams(), nil)
	o.FinalizeTrade(108, 400, "TP hit")

	s := o.Summary()
	st := s.Arms["base"]
	if st.Plays != 1 {
		t.Fatalf("expected 1 play, got %d", st.Plays)
	}
	if st.RewardSum != 8 {
		t.Fatalf("reward must be pnl/qty = 8, got %f", st.RewardSum)
	}
	if s.TotalPnL != 400 || s.Wins != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestAveragingAdjustsNotDuplicates(t *testing.T) {
	o, _ := testOrchestrator(Config{Enabled: true}, nil)
	o.BeginTrade("SYM", market.SideCE, 50, 100, baseParams(), nil)
	o.AdjustOpenTrade(100, 95)
	o.FinalizeTrade(97, 200, "TP hit")

	s := o.Summary()
	if s.TotalTrades != 1 {
		t.Fatalf("averaging must not create a second trade, got %d", s.TotalTrades)
	}
	if st := s.Arms["base"]; st.RewardSum != 2 {
		t.Fatalf("reward must use the merged quantity, got %f", st.RewardSum)
	}
}

func TestSelectArmPureExploit(t *testing.T) {
	o, _ := testOrchestrator(Config{Enabled: true, ExplorationRate: 0}, nil)

	// Seed stats: tight clearly best.
	o.stats["tight"] = &ArmStats{Plays: 10, RewardSum: 50}
	o.stats["base"] = &ArmStats{Plays: 10, RewardSum: 10}
	o.stats["loose"] = &ArmStats{Plays: 10, RewardSum: -20}

	for i := 0; i < 20; i++ {
		if arm := o.SelectArm(baseParams()); arm.ID != "tight" {
			t.Fatalf("epsilon=0 must always exploit the best arm, got %q", arm.ID)
		}
	}
}

func TestSelectArmPureExploreCoversAllArms(t *testing.T) {
	o, _ := testOrchestrator(Config{Enabled: true, ExplorationRate: 1}, nil)
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		seen[o.SelectArm(baseParams()).ID] = true
	}
	if len(seen) != 5 {
		t.Fatalf("epsilon=1 over 500 draws must visit all 5 arms, saw %d", len(seen))
	}
}

func TestMaybeTuneGuards(t *testing.T) {
	o, now := testOrchestrator(Config{
		Enabled:      true,
		AutoApply:    true,
		MinTrades:    2,
		TuneInterval: time.Minute,
	}, nil)

	if _, ok := o.MaybeTune(baseParams()); ok {
		t.Fatal("no trades yet, tune must not fire")
	}

	for i := 0; i < 2; i++ {
		o.BeginTrade("SYM", market.SideCE, 10, 100, baseParams(), nil)
		o.FinalizeTrade(101, 10, "TP hit")
	}
	arm, ok := o.MaybeTune(baseParams())
	if !ok {
		t.Fatal("tune must fire after MinTrades")
	}
	if o.CurrentArm() != arm.ID {
		t.Fatal("selected arm must become current")
	}

	// Counter reset and interval guard.
	o.BeginTrade("SYM", market.SideCE, 10, 100, baseParams(), nil)
	o.FinalizeTrade(101, 10, "TP hit")
	o.BeginTrade("SYM", market.SideCE, 10, 100, baseParams(), nil)
	o.FinalizeTrade(101, 10, "TP hit")
	if _, ok := o.MaybeTune(baseParams()); ok {
		t.Fatal("interval has not elapsed, tune must not fire")
	}
	*now = now.Add(2 * time.Minute)
	if _, ok := o.MaybeTune(baseParams()); !ok {
		t.Fatal("tune must fire once the interval elapses")
	}
}

func TestMaybeTuneDisabledWithoutAutoApply(t *testing.T) {
	o, _ := testOrchestrator(Config{Enabled: true, AutoApply: false, MinTrades: 0}, nil)
	o.BeginTrade("SYM", market.SideCE, 10, 100, baseParams(), nil)
	o.FinalizeTrade(101, 10, "TP hit")
	if _, ok := o.MaybeTune(baseParams()); ok {
		t.Fatal("auto_apply off must keep the bandit observational")
	}
}

type captureSink struct {
	mu   sync.Mutex
	recs []TradeRecord
}

func (c *captureSink) SaveTrade(rec TradeRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func TestFinalizedTradesReachSink(t *testing.T) {
	sink := &captureSink{}
	o, _ := testOrchestrator(Config{Enabled: true}, sink)
	o.Start(context.Background())

	o.BeginTrade("SYM", market.SidePE, 25, 80, baseParams(), map[string]float64{"spread": 0.4})
	o.FinalizeTrade(85, 125, "TP hit")
	o.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(sink.recs))
	}
	rec := sink.recs[0]
	if rec.ExitReason != "TP hit" || rec.PnL != 125 || rec.Side != market.SidePE {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ID == "" {
		t.Fatal("record must carry an ID")
	}
}

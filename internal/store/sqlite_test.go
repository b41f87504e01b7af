package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-scalper-bot/internal/events"
	"options-scalper-bot/internal/learning"
	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/playbook"
	"options-scalper-bot/internal/tuner"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(id string, pnl float64, exit time.Time) learning.TradeRecord {
	return learning.TradeRecord{
		ID:         id,
		Symbol:     "NIFTY24500CE",
		Side:       market.SideCE,
		Quantity:   75,
		EntryPrice: 100,
		ExitPrice:  100 + pnl/75,
		PnL:        pnl,
		ArmID:      "base",
		ExitReason: "TP hit",
		Params:     playbook.Params{MomentumTicks: 4, TPPoints: 10, SLPoints: 6},
		Features:   map[string]float64{"spread": 0.4, "momentum_count": 4},
		EntryTS:    exit.Add(-time.Minute),
		ExitTS:     exit,
	}
}

func TestTradeRoundTrip(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	if err := s.SaveTrade(sampleTrade("t1", 750, now.Add(-2*time.Minute))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveTrade(sampleTrade("t2", -300, now)); err != nil {
		t.Fatalf("save: %v", err)
	}

	trades, err := s.ListTrades(10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].ID != "t2" {
		t.Fatalf("newest trade must come first, got %q", trades[0].ID)
	}
	rec := trades[0]
	if rec.PnL != -300 || rec.Side != market.SideCE || rec.ArmID != "base" {
		t.Fatalf("round trip mangled the record: %+v", rec)
	}
	if rec.Params.TPPoints != 10 {
		t.Fatalf("params json must survive, got %+v", rec.Params)
	}
	if rec.Features["spread"] != 0.4 {
		t.Fatalf("features json must survive, got %v", rec.Features)
	}
}

func TestAggregateTrades(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	_ = s.SaveTrade(sampleTrade("t1", 500, now))
	_ = s.SaveTrade(sampleTrade("t2", -200, now))
	_ = s.SaveTrade(sampleTrade("old", 9999, now.Add(-48*time.Hour)))

	stats, err := s.AggregateTrades(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if stats.TotalTrades != 2 {
		t.Fatalf("old trades must not count, got %d", stats.TotalTrades)
	}
	if stats.Wins != 1 || stats.TotalPnL != 300 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.AvgPnL != 150 {
		t.Fatalf("expected avg 150, got %f", stats.AvgPnL)
	}
}

func TestTuningRunRoundTrip(t *testing.T) {
	s := testStore(t)
	run := tuner.Run{
		ID:              "r1",
		Status:          tuner.RunSuccess,
		Recommendations: map[string]interface{}{"tp_points": 12.0},
		Notes:           "widen target",
		Applied:         true,
		AppliedChanges:  map[string]interface{}{"tp_points": 12.0},
		StartedAt:       time.Now().Add(-time.Second),
		FinishedAt:      time.Now(),
	}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	// Upsert: the final record replaces the running one.
	run.Status = tuner.RunError
	run.Error = "boom"
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run id must upsert, got %d rows", len(runs))
	}
	if runs[0].Status != tuner.RunError || runs[0].Error != "boom" {
		t.Fatalf("unexpected run %+v", runs[0])
	}
	if runs[0].Recommendations["tp_points"] != 12.0 {
		t.Fatalf("recommendations json must survive, got %v", runs[0].Recommendations)
	}
	if !runs[0].FinishedAt.Equal(run.FinishedAt) {
		t.Fatalf("finished_at must survive, want %v got %v", run.FinishedAt, runs[0].FinishedAt)
	}
}

func TestListRunsInFlightRun(t *testing.T) {
	s := testStore(t)
	run := tuner.Run{
		ID:        "r1",
		Status:    tuner.RunRunning,
		StartedAt: time.Now(),
	}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != tuner.RunRunning {
		t.Fatalf("unexpected runs %+v", runs)
	}
	// A run with no finished_at reads back as its start time.
	if !runs[0].FinishedAt.Equal(runs[0].StartedAt) {
		t.Fatalf("in-flight run finished_at must fall back to started_at, got %v vs %v",
			runs[0].FinishedAt, runs[0].StartedAt)
	}
}

func TestEventLog(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	s.AppendEvent(events.Event{Type: events.EventTradeOpened, Timestamp: time.Now(),
		Data: map[string]interface{}{"symbol": "NIFTY24500CE"}})
	s.AppendEvent(events.Event{Type: events.EventRiskHalt, Timestamp: time.Now(),
		Data: map[string]interface{}{"reason": "Daily max loss"}})

	// Close drains the event queue before the db closes.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	evts, err := reopened.ListEvents("", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events after drain, got %d", len(evts))
	}

	halts, err := reopened.ListEvents(string(events.EventRiskHalt), 10)
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(halts) != 1 || halts[0].Data["reason"] != "Daily max loss" {
		t.Fatalf("type filter failed: %+v", halts)
	}
}

package tuner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-scalper-bot/internal/advisor"
	"options-scalper-bot/internal/learning"
	"options-scalper-bot/internal/playbook"
)

func TestClampChanges(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]interface{}
		want map[string]interface{}
	}{
		{
			name: "in-bounds passes through",
			in:   map[string]interface{}{"tp_points": 12.0, "sl_points": 8.0},
			want: map[string]interface{}{"tp_points": 12.0, "sl_points": 8.0},
		},
		{
			name: "above max clamps down",
			in:   map[string]interface{}{"tp_points": 500.0},
			want: map[string]interface{}{"tp_points": 40.0},
		},
		{
			name: "below min clamps up",
			in:   map[string]interface{}{"momentum_ticks": 0.0, "trail_step": 0.1},
			want: map[string]interface{}{"momentum_ticks": 2.0, "trail_step": 0.5},
		},
		{
			name: "unknown fields dropped",
			in:   map[string]interface{}{"position_size": 9999.0, "leverage": 100.0},
			want: map[string]interface{}{},
		},
		{
			name: "bools pass unclamped",
			in:   map[string]interface{}{"trailing_enabled": false, "trailing_overrides_tp": true},
			want: map[string]interface{}{"trailing_enabled": false, "trailing_overrides_tp": true},
		},
		{
			name: "bool with wrong type dropped",
			in:   map[string]interface{}{"trailing_enabled": "yes"},
			want: map[string]interface{}{},
		},
		{
			name: "json integers accepted",
			in:   map[string]interface{}{"sl_points": 4},
			want: map[string]interface{}{"sl_points": 4.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampChanges(tt.in))
		})
	}
}

type runCapture struct {
	mu   sync.Mutex
	runs []Run
}

func (c *runCapture) SaveRun(run Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

func (c *runCapture) last() Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[len(c.runs)-1]
}

func testService(cfg Config, trades int, sink RunSink) *Service {
	adv := advisor.NewClient(advisor.Config{}, zerolog.Nop()) // disabled: always nil advice
	pb := playbook.NewManager(playbook.Params{MomentumTicks: 4, TPPoints: 10, SLPoints: 6}, time.Time{}, zerolog.Nop())
	lo := learning.NewOrchestrator(learning.Config{}, nil, zerolog.Nop())
	analytics := func() (Analytics, error) {
		return Analytics{TotalTrades: trades, Wins: trades / 2, TotalPnL: 100}, nil
	}
	return NewService(cfg, adv, pb, lo, analytics, sink, zerolog.Nop())
}

func TestRunFailsBelowMinTrades(t *testing.T) {
	sink := &runCapture{}
	s := testService(Config{Enabled: true, MinTrades: 20}, 5, sink)

	s.runOnce(context.Background())

	run, ok := s.LastRun()
	require.True(t, ok)
	assert.Equal(t, RunError, run.Status)
	assert.True(t, strings.Contains(run.Error, "insufficient trades"), "error was %q", run.Error)
	assert.False(t, run.Applied)
	assert.False(t, run.FinishedAt.IsZero())

	// Both the running record and the failed final record were persisted.
	assert.Len(t, sink.runs, 2)
	assert.Equal(t, RunError, sink.last().Status)
}

func TestRunFailsWhenAdvisorSilent(t *testing.T) {
	sink := &runCapture{}
	s := testService(Config{Enabled: true, MinTrades: 0}, 50, sink)

	s.runOnce(context.Background())

	run, _ := s.LastRun()
	assert.Equal(t, RunError, run.Status)
	assert.Contains(t, run.Error, "advisor")
	assert.False(t, run.Applied, "a failed run never applies anything")
}

func TestRequestRunDisabled(t *testing.T) {
	s := testService(Config{Enabled: false}, 50, nil)
	assert.False(t, s.RequestRun(), "disabled tuner must reject run requests")
}

func TestRunIDsAreUnique(t *testing.T) {
	sink := &runCapture{}
	s := testService(Config{Enabled: true, MinTrades: 100}, 0, sink)

	s.runOnce(context.Background())
	first, _ := s.LastRun()
	s.runOnce(context.Background())
	second, _ := s.LastRun()

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

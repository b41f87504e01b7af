// Package tuner is the low-frequency adaptive loop: it assembles a
// performance snapshot, asks the advisor for parameter changes under a
// clamped-parameter objective and, in paper mode with auto-apply on,
// lands the clamped changes on the playbook base. Every run is recorded
// whether it succeeds or fails; a failure never partially applies.
package tuner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-scalper-bot/internal/advisor"
	"options-scalper-bot/internal/learning"
	"options-scalper-bot/internal/playbook"
)

// RunStatus is the lifecycle state of a tuning run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run records one tuning cycle. Immutable once finished.
type Run struct {
	ID              string                 `json:"run_id"`
	Status          RunStatus              `json:"status"`
	Recommendations map[string]interface{} `json:"recommendations"`
	Notes           string                 `json:"notes"`
	Applied         bool                   `json:"applied"`
	AppliedChanges  map[string]interface{} `json:"applied_changes"`
	Error           string                 `json:"error"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
}

// RunSink persists tuning runs.
type RunSink interface {
	SaveRun(run Run) error
}

// Analytics is the recent trade performance slice of the context snapshot.
type Analytics struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgPnL      float64 `json:"avg_pnl"`
}

// AnalyticsProvider supplies recent trade analytics.
type AnalyticsProvider func() (Analytics, error)

// Bounds is the declared [min,max] for one tunable field.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// paramBounds declares the tunable fields. Advisor output outside this
// schema is dropped, never applied.
var paramBounds = map[string]Bounds{
	"momentum_ticks": {Min: 2, Max: 6},
	"tp_points":      {Min: 2, Max: 40},
	"sl_points":      {Min: 2, Max: 30},
	"trail_distance": {Min: 1, Max: 15},
	"trail_step":     {Min: 0.5, Max: 5},
	"spread_cap":     {Min: 0.5, Max: 5},
}

// boolFields are tunables passed through as booleans, not clamped.
var boolFields = map[string]bool{
	"trailing_enabled":      true,
	"trailing_overrides_tp": true,
}

// Config controls the tuning service.
type Config struct {
	Enabled   bool
	AutoApply bool
	MinTrades int
	Interval  time.Duration // 0 = on-demand only
	PaperMode bool          // auto-apply is restricted to paper trading
}

// requestKind distinguishes queued work items.
type requestKind int

const (
	reqSnapshot requestKind = iota
	reqFullRun
)

// Service is the tuning worker. It consumes a request queue so a slow
// advisor call never runs on a caller's goroutine.
type Service struct {
	cfg       Config
	log       zerolog.Logger
	advisor   *advisor.Client
	playbooks *playbook.Manager
	learning  *learning.Orchestrator
	analytics AnalyticsProvider
	sink      RunSink

	queue chan requestKind

	mu       sync.RWMutex
	lastRun  *Run
	snapshot map[string]interface{}
}

// NewService creates a tuning service.
func NewService(cfg Config, adv *advisor.Client, pb *playbook.Manager, lo *learning.Orchestrator, analytics AnalyticsProvider, sink RunSink, log zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		log:       log.With().Str("component", "tuner").Logger(),
		advisor:   adv,
		playbooks: pb,
		learning:  lo,
		analytics: analytics,
		sink:      sink,
		queue:     make(chan requestKind, 8),
	}
}

// Start launches the worker loop and, when an interval is configured, the
// schedule that enqueues periodic runs.
func (s *Service) Start(ctx context.Context) {
	go s.worker(ctx)
	if s.cfg.Interval > 0 {
		go func() {
			ticker := time.NewTicker(s.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.RequestRun()
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// RequestRun enqueues a full tuning run. Returns false when the queue is
// saturated.
func (s *Service) RequestRun() bool {
	if !s.cfg.Enabled {
		return false
	}
	select {
	case s.queue <- reqFullRun:
		return true
	default:
		return false
	}
}

// RequestSnapshot enqueues a context snapshot refresh.
func (s *Service) RequestSnapshot() bool {
	select {
	case s.queue <- reqSnapshot:
		return true
	default:
		return false
	}
}

// LastRun returns the most recent run, if any.
func (s *Service) LastRun() (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRun == nil {
		return Run{}, false
	}
	return *s.lastRun, true
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case kind := <-s.queue:
			switch kind {
			case reqSnapshot:
				s.refreshSnapshot()
			case reqFullRun:
				s.runOnce(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refreshSnapshot() {
	snap, err := s.buildContext()
	if err != nil {
		s.log.Warn().Err(err).Msg("snapshot refresh failed")
		return
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

func (s *Service) buildContext() (map[string]interface{}, error) {
	analytics, err := s.analytics()
	if err != nil {
		return nil, fmt.Errorf("build analytics: %w", err)
	}
	return map[string]interface{}{
		"analytics": analytics,
		"learning":  s.learning.Summary(),
		"config":    s.playbooks.Base(),
		"bounds":    paramBounds,
	}, nil
}

// runOnce executes one full tuning cycle. Every outcome is persisted.
func (s *Service) runOnce(ctx context.Context) {
	run := Run{
		ID:        uuid.NewString(),
		Status:    RunRunning,
		StartedAt: time.Now(),
	}
	s.record(run)

	finish := func(r Run) {
		r.FinishedAt = time.Now()
		s.record(r)
	}

	snap, err := s.buildContext()
	if err != nil {
		run.Status = RunError
		run.Error = err.Error()
		finish(run)
		return
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	analytics := snap["analytics"].(Analytics)
	if analytics.TotalTrades < s.cfg.MinTrades {
		run.Status = RunError
		run.Error = fmt.Sprintf("insufficient trades: %d < %d", analytics.TotalTrades, s.cfg.MinTrades)
		finish(run)
		return
	}

	payload := map[string]interface{}{
		"instruction": "Respond ONLY with a JSON object {\"changes\": {...}, \"notes\": \"...\"}. " +
			"Every value in changes must stay inside the declared bounds.",
		"context": snap,
	}
	advice := s.advisor.GetTuneUpdate(ctx, payload)
	if advice == nil {
		run.Status = RunError
		run.Error = "advisor returned no usable response"
		finish(run)
		return
	}

	run.Recommendations = advice.Changes
	run.Notes = advice.Notes
	clamped := ClampChanges(advice.Changes)

	if s.cfg.PaperMode && s.cfg.AutoApply && len(clamped) > 0 {
		applied := s.playbooks.ApplyAdjustments(clamped)
		if len(applied) > 0 {
			run.Applied = true
			run.AppliedChanges = clamped
		}
	}
	run.Status = RunSuccess
	finish(run)

	s.log.Info().Str("run_id", run.ID).Bool("applied", run.Applied).
		Int("recommended", len(advice.Changes)).Int("accepted", len(clamped)).
		Msg("tuning run finished")
}

func (s *Service) record(run Run) {
	s.mu.Lock()
	r := run
	s.lastRun = &r
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.SaveRun(run); err != nil {
			s.log.Error().Err(err).Str("run_id", run.ID).Msg("tuning run persist failed")
		}
	}
}

// ClampChanges filters advisor output to the declared schema: numeric
// fields are clamped to their bounds, boolean fields pass through, and
// everything else is silently dropped.
func ClampChanges(changes map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(changes))
	for key, raw := range changes {
		if boolFields[key] {
			if v, ok := raw.(bool); ok {
				out[key] = v
			}
			continue
		}
		bounds, ok := paramBounds[key]
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		if v < bounds.Min {
			v = bounds.Min
		}
		if v > bounds.Max {
			v = bounds.Max
		}
		out[key] = v
	}
	return out
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

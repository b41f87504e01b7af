// Package store provides the embedded SQLite persistence for trades, the
// event log and tuning runs. Writes are append-mostly: each table is fed
// by exactly one worker goroutine (the learning worker, the event worker
// here, the tuner worker), so the store needs no locking beyond the
// queues feeding it.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"options-scalper-bot/internal/events"
	"options-scalper-bot/internal/learning"
	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/tuner"
)

// Store provides SQLite-based persistence.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	eventQueue chan events.Event
	eventDone  chan struct{}
}

// NewStore opens (or creates) the database under dataDir.
func NewStore(dataDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "scalper.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers (the control API) from blocking the writers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{
		db:         db,
		log:        log.With().Str("component", "store").Logger(),
		eventQueue: make(chan events.Event, 512),
		eventDone:  make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	go s.eventWorker()

	s.log.Info().Str("path", dbPath).Msg("sqlite store initialized")
	return s, nil
}

// Close drains the event queue and closes the database.
func (s *Store) Close() error {
	close(s.eventQueue)
	<-s.eventDone
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		arm_id TEXT NOT NULL,
		exit_reason TEXT NOT NULL,
		params_json TEXT NOT NULL,
		features_json TEXT NOT NULL,
		entry_ts DATETIME NOT NULL,
		exit_ts DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_ts ON trades(exit_ts);

	CREATE TABLE IF NOT EXISTS event_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		data_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(type);
	CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(timestamp);

	CREATE TABLE IF NOT EXISTS tuning_runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		recommendations_json TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		applied INTEGER NOT NULL,
		applied_changes_json TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTrade implements learning.TradeSink. Called only from the learning
// persistence worker.
func (s *Store) SaveTrade(rec learning.TradeRecord) error {
	params, _ := json.Marshal(rec.Params)
	feats, _ := json.Marshal(rec.Features)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO trades
		(id, symbol, side, quantity, entry_price, exit_price, pnl, arm_id, exit_reason, params_json, features_json, entry_ts, exit_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, string(rec.Side), rec.Quantity, rec.EntryPrice, rec.ExitPrice,
		rec.PnL, rec.ArmID, rec.ExitReason, string(params), string(feats), rec.EntryTS, rec.ExitTS)
	return err
}

// ListTrades returns the most recent trades, newest first.
func (s *Store) ListTrades(limit, offset int) ([]learning.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, symbol, side, quantity, entry_price, exit_price, pnl, arm_id, exit_reason, params_json, features_json, entry_ts, exit_ts
		FROM trades ORDER BY exit_ts DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []learning.TradeRecord
	for rows.Next() {
		var rec learning.TradeRecord
		var side, params, feats string
		if err := rows.Scan(&rec.ID, &rec.Symbol, &side, &rec.Quantity, &rec.EntryPrice,
			&rec.ExitPrice, &rec.PnL, &rec.ArmID, &rec.ExitReason, &params, &feats,
			&rec.EntryTS, &rec.ExitTS); err != nil {
			return nil, err
		}
		rec.Side = market.Side(side)
		_ = json.Unmarshal([]byte(params), &rec.Params)
		_ = json.Unmarshal([]byte(feats), &rec.Features)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TradeStats aggregates realized pnl and counts for the tuner context.
type TradeStats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgPnL      float64 `json:"avg_pnl"`
}

// AggregateTrades summarizes trades whose exit falls after `since`.
func (s *Store) AggregateTrades(since time.Time) (TradeStats, error) {
	var st TradeStats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN pnl >= 0 THEN 1 ELSE 0 END), 0), COALESCE(SUM(pnl), 0)
		FROM trades WHERE exit_ts >= ?`, since).Scan(&st.TotalTrades, &st.Wins, &st.TotalPnL)
	if err != nil {
		return st, err
	}
	if st.TotalTrades > 0 {
		st.AvgPnL = st.TotalPnL / float64(st.TotalTrades)
	}
	return st, nil
}

// AppendEvent enqueues an event for the event-log worker. Safe to call
// from any goroutine; drops when the queue is full rather than blocking.
func (s *Store) AppendEvent(evt events.Event) {
	select {
	case s.eventQueue <- evt:
	default:
		s.log.Warn().Str("type", string(evt.Type)).Msg("event queue full, dropped")
	}
}

func (s *Store) eventWorker() {
	defer close(s.eventDone)
	for evt := range s.eventQueue {
		data, _ := json.Marshal(evt.Data)
		if _, err := s.db.Exec(
			`INSERT INTO event_log (type, timestamp, data_json) VALUES (?, ?, ?)`,
			string(evt.Type), evt.Timestamp, string(data)); err != nil {
			s.log.Error().Err(err).Msg("event persist failed")
		}
	}
}

// StoredEvent is one event-log row.
type StoredEvent struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// ListEvents returns recent events, optionally filtered by type.
func (s *Store) ListEvents(eventType string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, timestamp, data_json FROM event_log`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var data string
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Timestamp, &data); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(data), &evt.Data)
		out = append(out, evt)
	}
	return out, rows.Err()
}

// SaveRun implements tuner.RunSink. Called only from the tuner worker.
func (s *Store) SaveRun(run tuner.Run) error {
	recs, _ := json.Marshal(run.Recommendations)
	applied, _ := json.Marshal(run.AppliedChanges)
	var finished interface{}
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tuning_runs
		(run_id, status, recommendations_json, notes, applied, applied_changes_json, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), string(recs), run.Notes, boolToInt(run.Applied), string(applied),
		run.Error, run.StartedAt, finished)
	return err
}

// ListRuns returns recent tuning runs, newest first.
func (s *Store) ListRuns(limit int) ([]tuner.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, status, recommendations_json, notes, applied, applied_changes_json, error, started_at, finished_at
		FROM tuning_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tuner.Run
	for rows.Next() {
		var run tuner.Run
		var status, recs, applied string
		var appliedFlag int
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &status, &recs, &run.Notes, &appliedFlag, &applied,
			&run.Error, &run.StartedAt, &finished); err != nil {
			return nil, err
		}
		run.Status = tuner.RunStatus(status)
		run.Applied = appliedFlag != 0
		// Runs still in flight have no finished_at yet.
		run.FinishedAt = run.StartedAt
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		_ = json.Unmarshal([]byte(recs), &run.Recommendations)
		_ = json.Unmarshal([]byte(applied), &run.AppliedChanges)
		out = append(out, run)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

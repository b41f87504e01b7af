// Package snapshot persists the open-position snapshot in Redis so a
// restarted process can detect an orphaned position. Redis being down
// degrades to an in-memory cache; snapshot failures never affect trading.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// positionKey is the Redis key for the agent's position snapshot.
const positionKey = "scalper:position"

// snapshotTTL bounds how long a stale snapshot survives. Positions close
// within minutes; a day is generous.
const snapshotTTL = 24 * time.Hour

// PositionSnapshot is the state saved across restarts.
type PositionSnapshot struct {
	Side       string    `json:"side"`
	Symbol     string    `json:"symbol"`
	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	EntryTS    time.Time `json:"entry_ts"`
	SavedAt    time.Time `json:"saved_at"`
}

// Store holds the snapshot in Redis with an in-memory fallback.
type Store struct {
	log    zerolog.Logger
	client *redis.Client

	mu     sync.Mutex
	memory *PositionSnapshot
}

// Config holds Redis connection settings. Enabled=false keeps the store
// memory-only.
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// NewStore creates a snapshot store. The Redis connection is probed once;
// an unreachable server just means memory-only operation.
func NewStore(cfg Config, log zerolog.Logger) *Store {
	s := &Store{log: log.With().Str("component", "snapshot").Logger()}
	if !cfg.Enabled {
		return s
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("redis unavailable, memory-only snapshots")
		return s
	}
	s.client = client
	s.log.Info().Str("addr", cfg.Addr).Msg("redis snapshot store ready")
	return s
}

// Save stores the snapshot. Errors are logged and swallowed.
func (s *Store) Save(ctx context.Context, snap PositionSnapshot) {
	snap.SavedAt = time.Now()

	s.mu.Lock()
	copied := snap
	s.memory = &copied
	s.mu.Unlock()

	if s.client == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, positionKey, data, snapshotTTL).Err(); err != nil {
		s.log.Warn().Err(err).Msg("snapshot save failed")
	}
}

// Clear removes the snapshot after a clean position close.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.memory = nil
	s.mu.Unlock()

	if s.client == nil {
		return
	}
	if err := s.client.Del(ctx, positionKey).Err(); err != nil {
		s.log.Warn().Err(err).Msg("snapshot clear failed")
	}
}

// Load returns the stored snapshot, preferring Redis.
func (s *Store) Load(ctx context.Context) (*PositionSnapshot, error) {
	if s.client != nil {
		data, err := s.client.Get(ctx, positionKey).Bytes()
		switch {
		case err == redis.Nil:
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("snapshot load: %w", err)
		default:
			var snap PositionSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("snapshot decode: %w", err)
			}
			return &snap, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memory == nil {
		return nil, nil
	}
	copied := *s.memory
	return &copied, nil
}

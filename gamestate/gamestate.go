// Package gamestate reads and writes the shared, TTL-bounded game state the
// settlement core uses for abandonment detection. Game logic owns the
// contents; the core writes the state once at activation and only reads
// afterwards.
package gamestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no state exists (expired or never created).
var ErrNotFound = errors.New("game state not found")

// PlayerProgress is one player's view of the word game.
type PlayerProgress struct {
	Solved    bool   `json:"solved"`
	Guesses   int    `json:"guesses"`
	TotalTime int    `json:"total_time"` // seconds
	Result    string `json:"result,omitempty"`
}

// Finished reports whether the player's run is over: solved, out of
// guesses, or already carrying a recorded result.
func (p PlayerProgress) Finished(maxGuesses int) bool {
	return p.Solved || p.Guesses >= maxGuesses || p.Result != ""
}

// State is the shared per-match game state.
type State struct {
	MatchID      string                    `json:"match_id"`
	TargetWord   string                    `json:"target_word"`
	Players      map[string]PlayerProgress `json:"players"`
	LastActivity time.Time                 `json:"last_activity"`
	Completed    bool                      `json:"completed"`
	StartedAt    time.Time                 `json:"started_at"`
}

// Store is the shared game state contract.
type Store interface {
	Get(ctx context.Context, matchID string) (*State, error)
	Put(ctx context.Context, st *State) error
	Delete(ctx context.Context, matchID string) error
}

// RedisStore keeps game state in Redis under a bounded TTL so abandoned
// entries expire on their own after settlement.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps an existing Redis client. ttl bounds every entry.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl == 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

var _ Store = (*RedisStore)(nil)

func key(matchID string) string { return "guess5:game:" + matchID }

func (s *RedisStore) Get(ctx context.Context, matchID string) (*State, error) {
	raw, err := s.rdb.Get(ctx, key(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get game state: %w", err)
	}
	st := &State{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decode game state: %w", err)
	}
	return st, nil
}

func (s *RedisStore) Put(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key(st.MatchID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("put game state: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, matchID string) error {
	if err := s.rdb.Del(ctx, key(matchID)).Err(); err != nil {
		return fmt.Errorf("delete game state: %w", err)
	}
	return nil
}

// Package audit records settlement events to an append-only sink. Writes
// are best-effort: a logging failure must never abort a settlement, so
// callers log and continue on error.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Event is one audit record.
type Event struct {
	ID      string                 `json:"id"`
	MatchID string                 `json:"match_id"`
	Type    string                 `json:"type"`
	Data    map[string]interface{} `json:"data,omitempty"`
	At      time.Time              `json:"at"`
}

// Sink appends audit events.
type Sink interface {
	Append(ctx context.Context, matchID, eventType string, data map[string]interface{}) error
	Close() error
}

var eventsBucket = []byte("events")

// BoltSink stores events in a bbolt bucket keyed by insertion sequence.
type BoltSink struct {
	db *bolt.DB
}

// NewBoltSink opens (creating if needed) the audit database at path.
func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltSink{db: db}, nil
}

var _ Sink = (*BoltSink)(nil)

func (s *BoltSink) Append(ctx context.Context, matchID, eventType string, data map[string]interface{}) error {
	ev := Event{
		ID:      uuid.NewString(),
		MatchID: matchID,
		Type:    eventType,
		Data:    data,
		At:      time.Now().UTC(),
	}
	raw, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(eventsBucket)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], raw)
	})
}

// ByMatch returns all stored events for a match, oldest first.
func (s *BoltSink) ByMatch(ctx context.Context, matchID string) ([]Event, error) {
	var out []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, raw []byte) error {
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				return err
			}
			if ev.MatchID == matchID {
				out = append(out, ev)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltSink) Close() error { return s.db.Close() }

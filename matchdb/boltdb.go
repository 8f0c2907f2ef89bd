package matchdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var matchesBucket = []byte("matches")

// BoltDB is the bbolt-backed Store.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed) the match database at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open match db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(matchesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltDB{db: db}, nil
}

var _ Store = (*BoltDB)(nil)

func (b *BoltDB) Create(ctx context.Context, rec *MatchRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("match record has no id")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(matchesBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		if bkt.Get([]byte(rec.ID)) != nil {
			return ErrDuplicateMatch
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(rec.ID), raw)
	})
}

func (b *BoltDB) Get(ctx context.Context, id string) (*MatchRecord, error) {
	var rec *MatchRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(matchesBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return ErrMatchNotFound
		}
		rec = &MatchRecord{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies fn to the freshest stored row inside a single write
// transaction, then persists the result. Concurrent scanners each see the
// latest committed state before mutating.
func (b *BoltDB) Update(ctx context.Context, id string, fn func(*MatchRecord) error) (*MatchRecord, error) {
	var out *MatchRecord
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(matchesBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return ErrMatchNotFound
		}
		rec := &MatchRecord{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return err
		}
		prev := rec.Status
		if err := fn(rec); err != nil {
			return err
		}
		if rec.Status != prev && !prev.CanAdvanceTo(rec.Status) {
			return fmt.Errorf("illegal status transition %s -> %s for match %s", prev, rec.Status, id)
		}
		rec.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		out = rec
		return bkt.Put([]byte(id), updated)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) ListByStatus(ctx context.Context, statuses ...MatchStatus) ([]*MatchRecord, error) {
	want := make(map[MatchStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*MatchRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(matchesBucket)
		if bkt == nil {
			return ErrMainBucketNotFound
		}
		return bkt.ForEach(func(_, raw []byte) error {
			rec := &MatchRecord{}
			if err := json.Unmarshal(raw, rec); err != nil {
				return err
			}
			if len(want) == 0 || want[rec.Status] {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

// Package levelstore persists ledger state in an embedded LevelDB database,
// for single-node deployments that do not run PostgreSQL or Redis.
package levelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/agent-market/agent-market/internal/ledger"
)

var (
	statePrefix = []byte("s/")
	eventPrefix = []byte("e/")
	heightKey   = []byte("m/height")
)

// Store is a ledger.Store backed by LevelDB.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Load reads every state entry and the committed height.
func (s *Store) Load(_ context.Context) (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{Entries: make(map[string][]byte)}

	raw, err := s.db.Get(heightKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read height: %w", err)
	default:
		snap.Height, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt height %q: %w", raw, err)
		}
	}

	iter := s.db.NewIterator(util.BytesPrefix(statePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key()[len(statePrefix):])
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		snap.Entries[key] = val
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate state: %w", err)
	}
	return snap, nil
}

// Apply writes the change set in a single batch.
func (s *Store) Apply(_ context.Context, cs *ledger.ChangeSet) error {
	batch := new(leveldb.Batch)
	for _, c := range cs.Changes {
		key := append(append([]byte{}, statePrefix...), c.Key...)
		if c.Deleted {
			batch.Delete(key)
		} else {
			batch.Put(key, c.Value)
		}
	}
	for _, e := range cs.Events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		batch.Put(eventKey(e.Height, e.Index), data)
	}
	batch.Put(heightKey, []byte(strconv.FormatUint(cs.Height, 10)))

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

// Events scans events in commit order starting at filter.FromHeight.
func (s *Store) Events(_ context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	rng := util.BytesPrefix(eventPrefix)
	rng.Start = eventKey(filter.FromHeight, 0)

	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var out []ledger.Event
	for iter.Next() {
		var e ledger.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// eventKey sorts lexicographically in (height, index) order.
func eventKey(height uint64, index int) []byte {
	return []byte(fmt.Sprintf("e/%020d/%06d", height, index))
}

// Package redisstore persists ledger state in Redis. Each commit is written
// with a MULTI/EXEC pipeline so state, events and height move together.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/agent-market/agent-market/internal/ledger"
)

// Store is a ledger.Store backed by a Redis hash, list and counter under a common key prefix.
type Store struct {
	client    redis.UniversalClient
	stateKey  string
	eventsKey string
	heightKey string
}

// New returns a Store using client. Keys are namespaced by prefix (e.g. "agentmarket").
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "agentmarket"
	}
	return &Store{
		client:    client,
		stateKey:  prefix + ":ledger:state",
		eventsKey: prefix + ":ledger:events",
		heightKey: prefix + ":ledger:height",
	}
}

// Load reads the state hash and committed height.
func (s *Store) Load(ctx context.Context) (*ledger.Snapshot, error) {
	height, err := s.client.Get(ctx, s.heightKey).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read ledger height: %w", err)
	}

	raw, err := s.client.HGetAll(ctx, s.stateKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger state: %w", err)
	}

	entries := make(map[string][]byte, len(raw))
	for k, v := range raw {
		entries[k] = []byte(v)
	}
	return &ledger.Snapshot{Height: height, Entries: entries}, nil
}

// Apply writes the change set in one transaction.
func (s *Store) Apply(ctx context.Context, cs *ledger.ChangeSet) error {
	events := make([]interface{}, 0, len(cs.Events))
	for _, e := range cs.Events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		events = append(events, data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range cs.Changes {
			if c.Deleted {
				pipe.HDel(ctx, s.stateKey, c.Key)
			} else {
				pipe.HSet(ctx, s.stateKey, c.Key, c.Value)
			}
		}
		if len(events) > 0 {
			pipe.RPush(ctx, s.eventsKey, events...)
		}
		pipe.Set(ctx, s.heightKey, cs.Height, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit ledger changes: %w", err)
	}
	return nil
}

// Events scans the event list in commit order.
func (s *Store) Events(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger events: %w", err)
	}

	var out []ledger.Event
	for _, item := range raw {
		var e ledger.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
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
	return out, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

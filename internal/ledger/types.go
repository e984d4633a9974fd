// Package ledger is the execution substrate for the marketplace: every
// state-changing operation runs as one atomic invocation against a
// key-value state, with an authenticated caller, deterministic address
// derivation, and events published only after a successful commit.
//
// Invocations are serialized. A failed invocation leaves no trace: its writes,
// nonce increments and events are discarded together.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrClosed is returned by Invoke after Close.
var ErrClosed = errors.New("ledger: closed")

// Event is a record emitted by a committed invocation.
type Event struct {
	Height     uint64            `json:"height"`
	Index      int               `json:"index"`
	Type       string            `json:"type"`
	Address    common.Address    `json:"address"`
	Caller     common.Address    `json:"caller"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Time       time.Time         `json:"time"`
}

// Change is a single key mutation. A nil Value with Deleted set removes the key.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// ChangeSet is everything one invocation commits.
type ChangeSet struct {
	Height  uint64
	Changes []Change
	Events  []Event
}

// Snapshot is the full committed state as loaded from a Store.
type Snapshot struct {
	Height  uint64
	Entries map[string][]byte
}

// EventFilter narrows an event query. Zero fields match everything.
type EventFilter struct {
	Type       string
	Address    *common.Address
	FromHeight uint64
	Limit      int
}

// Matches reports whether e passes the filter, ignoring Limit.
func (f EventFilter) Matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Address != nil && e.Address != *f.Address {
		return false
	}
	return e.Height >= f.FromHeight
}

// Store is the durable key-value backend behind a Ledger.
//
// Apply must persist the whole change set atomically: either every change and
// event is stored or none is.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Apply(ctx context.Context, cs *ChangeSet) error
	Events(ctx context.Context, filter EventFilter) ([]Event, error)
	Close() error
}

// EventSink receives events after they are committed, in commit order.
type EventSink interface {
	Publish(ctx context.Context, events []Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, events []Event)

// Publish calls f.
func (f EventSinkFunc) Publish(ctx context.Context, events []Event) { f(ctx, events) }

// Receipt describes a committed invocation.
type Receipt struct {
	Height uint64         `json:"height"`
	Caller common.Address `json:"caller"`
	Events []Event        `json:"events"`
}

// Reader is read-only access to state. Both committed views and in-flight
// transactions implement it.
type Reader interface {
	Get(key string) ([]byte, bool)
	Keys(prefix string) []string
	Height() uint64
}

package ledger

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const noncePrefix = "nonce/"

type write struct {
	value   []byte
	deleted bool
}

// Tx is the overlay a single invocation writes into. It is only valid inside
// the function passed to Ledger.Invoke.
type Tx struct {
	ctx    context.Context
	caller common.Address
	base   map[string][]byte
	writes map[string]write
	order  []string
	events []Event
	height uint64
	now    time.Time
}

func newTx(ctx context.Context, caller common.Address, base map[string][]byte, height uint64, now time.Time) *Tx {
	return &Tx{
		ctx:    ctx,
		caller: caller,
		base:   base,
		writes: make(map[string]write),
		height: height,
		now:    now,
	}
}

// Context returns the invocation context.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Caller returns the authenticated identity that started the invocation.
func (tx *Tx) Caller() common.Address { return tx.caller }

// Height returns the height this invocation will commit at.
func (tx *Tx) Height() uint64 { return tx.height }

// Time returns the invocation timestamp.
func (tx *Tx) Time() time.Time { return tx.now }

// Get returns the value at key as seen by this invocation.
func (tx *Tx) Get(key string) ([]byte, bool) {
	if w, ok := tx.writes[key]; ok {
		if w.deleted {
			return nil, false
		}
		return w.value, true
	}
	v, ok := tx.base[key]
	return v, ok
}

// Put stores value at key.
func (tx *Tx) Put(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	tx.record(key, write{value: cp})
}

// Delete removes key. Deleting an absent key is a no-op.
func (tx *Tx) Delete(key string) {
	tx.record(key, write{deleted: true})
}

func (tx *Tx) record(key string, w write) {
	if _, seen := tx.writes[key]; !seen {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = w
}

// Keys returns every live key starting with prefix, sorted.
func (tx *Tx) Keys(prefix string) []string {
	seen := make(map[string]struct{})
	var out []string
	for k := range tx.base {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if w, ok := tx.writes[k]; ok && w.deleted {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for k, w := range tx.writes {
		if w.deleted || !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Emit queues an event. It is only published if the invocation commits.
func (tx *Tx) Emit(eventType string, address common.Address, attrs map[string]string) {
	tx.events = append(tx.events, Event{
		Height:     tx.height,
		Index:      len(tx.events),
		Type:       eventType,
		Address:    address,
		Caller:     tx.caller,
		Attributes: attrs,
		Time:       tx.now,
	})
}

// CreateAddress derives a fresh address for an entity created by creator and
// advances creator's nonce.
func (tx *Tx) CreateAddress(creator common.Address) common.Address {
	key := noncePrefix + creator.Hex()
	var nonce uint64
	if raw, ok := tx.Get(key); ok {
		nonce, _ = strconv.ParseUint(string(raw), 10, 64)
	}
	tx.Put(key, []byte(strconv.FormatUint(nonce+1, 10)))
	return crypto.CreateAddress(creator, nonce)
}

func (tx *Tx) changeSet() *ChangeSet {
	cs := &ChangeSet{Height: tx.height, Events: tx.events}
	for _, k := range tx.order {
		w := tx.writes[k]
		cs.Changes = append(cs.Changes, Change{Key: k, Value: w.value, Deleted: w.deleted})
	}
	return cs
}

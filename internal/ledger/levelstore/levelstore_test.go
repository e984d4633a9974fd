package levelstore

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-market/agent-market/internal/ledger"
)

func TestStore_ApplyAndReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Apply(ctx, &ledger.ChangeSet{
		Height: 1,
		Changes: []ledger.Change{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2")},
		},
		Events: []ledger.Event{{Height: 1, Index: 0, Type: "Created"}},
	}))
	require.NoError(t, s.Apply(ctx, &ledger.ChangeSet{
		Height:  2,
		Changes: []ledger.Change{{Key: "a", Deleted: true}},
		Events:  []ledger.Event{{Height: 2, Index: 0, Type: "Deleted"}},
	}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Height)
	assert.Equal(t, map[string][]byte{"b": []byte("2")}, snap.Entries)

	events, err := s.Events(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Created", events[0].Type)
	assert.Equal(t, "Deleted", events[1].Type)

	events, err = s.Events(ctx, ledger.EventFilter{FromHeight: 2})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Deleted", events[0].Type)
}

func TestStore_BacksLedger(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	l, err := ledger.Open(ctx, s)
	require.NoError(t, err)
	defer l.Close()

	caller := common.HexToAddress("0x01")
	_, err = l.Invoke(ctx, "put", caller, func(tx *ledger.Tx) error {
		tx.Put("x", []byte("y"))
		tx.Emit("Put", caller, nil)
		return nil
	})
	require.NoError(t, err)

	events, err := l.Events(ctx, ledger.EventFilter{Type: "Put"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventKeyOrdering(t *testing.T) {
	assert.Less(t, string(eventKey(2, 5)), string(eventKey(10, 0)))
	assert.Less(t, string(eventKey(10, 1)), string(eventKey(10, 2)))
}

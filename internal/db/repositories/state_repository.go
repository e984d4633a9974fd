// state_repository.go implements StateRepository, the PostgreSQL backend of the
// ledger. State is stored as opaque key/value rows; each ledger invocation is
// applied in a single database transaction together with its events and the
// new height.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"github.com/agent-market/agent-market/internal/ledger"
)

// StateRepository persists ledger state in ledger_state, ledger_events and ledger_meta.
type StateRepository struct {
	db *sqlx.DB
}

// NewStateRepository creates a new StateRepository. The connection pool stays
// owned by the caller.
func NewStateRepository(db *sqlx.DB) *StateRepository {
	return &StateRepository{db: db}
}

var _ ledger.Store = (*StateRepository)(nil)

type stateRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

type eventRow struct {
	Height     int64        `db:"height"`
	Index      int          `db:"idx"`
	Type       string       `db:"type"`
	Address    string       `db:"address"`
	Caller     string       `db:"caller"`
	Attributes []byte       `db:"attributes"`
	CreatedAt  sql.NullTime `db:"created_at"`
}

// Load reads the committed height and every state row.
func (r *StateRepository) Load(ctx context.Context) (*ledger.Snapshot, error) {
	var height int64
	err := r.db.GetContext(ctx, &height, `SELECT height FROM ledger_meta WHERE id = 1`)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read ledger height: %w", err)
	}

	var rows []stateRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT key, value FROM ledger_state`); err != nil {
		return nil, fmt.Errorf("failed to read ledger state: %w", err)
	}

	entries := make(map[string][]byte, len(rows))
	for _, row := range rows {
		entries[row.Key] = row.Value
	}
	return &ledger.Snapshot{Height: uint64(height), Entries: entries}, nil
}

// Apply writes the change set, its events and the new height in one transaction.
func (r *StateRepository) Apply(ctx context.Context, cs *ledger.ChangeSet) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, c := range cs.Changes {
		if c.Deleted {
			if _, err = tx.ExecContext(ctx, `DELETE FROM ledger_state WHERE key = $1`, c.Key); err != nil {
				return fmt.Errorf("failed to delete %q: %w", c.Key, err)
			}
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_state (key, value, height, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, height = EXCLUDED.height, updated_at = now()
		`, c.Key, c.Value, int64(cs.Height))
		if err != nil {
			return fmt.Errorf("failed to write %q: %w", c.Key, err)
		}
	}

	for _, e := range cs.Events {
		var attrs []byte
		attrs, err = json.Marshal(e.Attributes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_events (height, idx, type, address, caller, attributes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, int64(e.Height), e.Index, e.Type, e.Address.Hex(), e.Caller.Hex(), attrs, e.Time)
		if err != nil {
			return fmt.Errorf("failed to write event %s: %w", e.Type, err)
		}
	}

	if _, err = tx.ExecContext(ctx, `UPDATE ledger_meta SET height = $1 WHERE id = 1`, int64(cs.Height)); err != nil {
		return fmt.Errorf("failed to update ledger height: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Events returns matching events in commit order.
func (r *StateRepository) Events(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	query := `
		SELECT height, idx, type, address, caller, attributes, created_at
		FROM ledger_events
		WHERE height >= $1
	`
	args := []interface{}{int64(filter.FromHeight)}
	paramIndex := 2

	if filter.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, paramIndex)
		args = append(args, filter.Type)
		paramIndex++
	}
	if filter.Address != nil {
		query += fmt.Sprintf(` AND address = $%d`, paramIndex)
		args = append(args, filter.Address.Hex())
		paramIndex++
	}

	query += ` ORDER BY height ASC, idx ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramIndex)
		args = append(args, filter.Limit)
	}

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]ledger.Event, 0, len(rows))
	for _, row := range rows {
		e := ledger.Event{
			Height:  uint64(row.Height),
			Index:   row.Index,
			Type:    row.Type,
			Address: common.HexToAddress(row.Address),
			Caller:  common.HexToAddress(row.Caller),
			Time:    row.CreatedAt.Time.UTC(),
		}
		if len(row.Attributes) > 0 {
			if err := json.Unmarshal(row.Attributes, &e.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode event attributes: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, nil
}

// Close is a no-op; the pool is closed by its owner.
func (r *StateRepository) Close() error { return nil }

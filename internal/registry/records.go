package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agent-market/agent-market/internal/ledger"
)

// Record is an entry in the flat name-to-agent directory that predates organizations.
type Record struct {
	Name       string         `json:"name"`
	Agent      common.Address `json:"agent"`
	Owner      common.Address `json:"owner"`
	Deprecated bool           `json:"deprecated"`
}

func recordKey(name string) string { return ledger.Key("registry", "record", name) }

// CreateRecord maps name to agent. The caller owns the record.
func CreateRecord(tx *ledger.Tx, name string, agent common.Address) error {
	if err := validateName("record", name); err != nil {
		return err
	}
	if _, ok := tx.Get(recordKey(name)); ok {
		return fmt.Errorf("%w: record %q", ErrDuplicateKey, name)
	}
	rec := &Record{Name: name, Agent: agent, Owner: tx.Caller()}
	if err := ledger.PutJSON(tx, recordKey(name), rec); err != nil {
		return err
	}
	tx.Emit(EventRecordCreated, agent, map[string]string{"name": name})
	return nil
}

// DeprecateRecord marks the record deprecated. Its name stays listed but its
// agent address is reported as zero. Only the record owner may deprecate.
func DeprecateRecord(tx *ledger.Tx, name string) error {
	var rec Record
	ok, err := ledger.GetJSON(tx, recordKey(name), &rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: record %q", ErrNotFound, name)
	}
	if rec.Owner != tx.Caller() {
		return fmt.Errorf("%w: only the owner may deprecate record %q", ErrUnauthorized, name)
	}
	if rec.Deprecated {
		return nil
	}
	rec.Deprecated = true
	if err := ledger.PutJSON(tx, recordKey(name), &rec); err != nil {
		return err
	}
	tx.Emit(EventRecordDeprecated, rec.Agent, map[string]string{"name": name})
	return nil
}

// ListRecords returns parallel slices of names and agent addresses.
// Deprecated records list the zero address.
func ListRecords(r ledger.Reader) ([]string, []common.Address, error) {
	keys := r.Keys(ledger.Prefix("registry", "record"))
	names := make([]string, 0, len(keys))
	agents := make([]common.Address, 0, len(keys))
	for _, k := range keys {
		var rec Record
		if _, err := ledger.GetJSON(r, k, &rec); err != nil {
			return nil, nil, err
		}
		names = append(names, rec.Name)
		if rec.Deprecated {
			agents = append(agents, common.Address{})
		} else {
			agents = append(agents, rec.Agent)
		}
	}
	return names, agents, nil
}

package ledger

import (
	"encoding/json"
	"fmt"
)

// GetJSON decodes the value at key into v. It reports false when the key is absent.
func GetJSON(r Reader, key string, v any) (bool, error) {
	data, ok := r.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("ledger: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and writes it at key.
func PutJSON(tx *Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", key, err)
	}
	tx.Put(key, data)
	return nil
}

package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agent-market/agent-market/internal/db/models"
)

// APIKeyRepository stores API keys. Only bcrypt hashes are kept; the key
// prefix is the lookup index.
type APIKeyRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewAPIKeyRepository wraps an open pool. The pool stays owned by the caller.
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: sqlx.NewDb(db, "postgres"), now: time.Now}
}

const selectAPIKeys = `SELECT id, owner, name, description, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at FROM api_keys`

type apiKeyRow struct {
	ID          string         `db:"id"`
	Owner       string         `db:"owner"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	KeyHash     string         `db:"key_hash"`
	KeyPrefix   string         `db:"key_prefix"`
	Scopes      []byte         `db:"scopes"`
	ExpiresAt   sql.NullTime   `db:"expires_at"`
	LastUsedAt  sql.NullTime   `db:"last_used_at"`
	CreatedAt   time.Time      `db:"created_at"`
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func (r apiKeyRow) model() (*models.APIKey, error) {
	k := &models.APIKey{
		ID:          r.ID,
		Owner:       r.Owner,
		Name:        r.Name,
		Description: nullable(r.Description),
		KeyHash:     r.KeyHash,
		KeyPrefix:   r.KeyPrefix,
		ExpiresAt:   nullTime(r.ExpiresAt),
		LastUsedAt:  nullTime(r.LastUsedAt),
		CreatedAt:   r.CreatedAt,
		Scopes:      []string{},
	}
	if len(r.Scopes) > 0 {
		if err := json.Unmarshal(r.Scopes, &k.Scopes); err != nil {
			return nil, fmt.Errorf("api key %s: bad scopes: %w", r.ID, err)
		}
	}
	return k, nil
}

// CreateAPIKey assigns the ID and creation time, then inserts k.
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	k.ID = uuid.NewString()
	k.CreatedAt = r.now().UTC()
	if k.Scopes == nil {
		k.Scopes = []string{}
	}
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %w", err)
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (id, owner, name, description, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at)
		VALUES (:id, :owner, :name, :description, :key_hash, :key_prefix, :scopes, :expires_at, :last_used_at, :created_at)`,
		map[string]any{
			"id":           k.ID,
			"owner":        k.Owner,
			"name":         k.Name,
			"description":  k.Description,
			"key_hash":     k.KeyHash,
			"key_prefix":   k.KeyPrefix,
			"scopes":       scopes,
			"expires_at":   k.ExpiresAt,
			"last_used_at": k.LastUsedAt,
			"created_at":   k.CreatedAt,
		})
	return err
}

// GetAPIKeyByID returns the key with id, or nil when there is none.
func (r *APIKeyRepository) GetAPIKeyByID(ctx context.Context, id string) (*models.APIKey, error) {
	var row apiKeyRow
	err := r.db.GetContext(ctx, &row, selectAPIKeys+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.model()
}

// GetAPIKeysByPrefix returns the candidates for a presented key. Prefixes
// are not unique, so the caller compares hashes.
func (r *APIKeyRepository) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return r.selectKeys(ctx, selectAPIKeys+` WHERE key_prefix = $1 ORDER BY created_at DESC`, prefix)
}

// ListByOwner returns the keys acting for owner, newest first.
func (r *APIKeyRepository) ListByOwner(ctx context.Context, owner string) ([]*models.APIKey, error) {
	return r.selectKeys(ctx, selectAPIKeys+` WHERE owner = $1 ORDER BY created_at DESC`, owner)
}

// ListAll returns every key, newest first.
func (r *APIKeyRepository) ListAll(ctx context.Context) ([]*models.APIKey, error) {
	return r.selectKeys(ctx, selectAPIKeys+` ORDER BY created_at DESC`)
}

func (r *APIKeyRepository) selectKeys(ctx context.Context, query string, args ...any) ([]*models.APIKey, error) {
	var rows []apiKeyRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	keys := make([]*models.APIKey, 0, len(rows))
	for _, row := range rows {
		k, err := row.model()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// UpdateLastUsed stamps the key as used now.
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, r.now().UTC())
	return err
}

// RevokeAPIKey deletes a key and reports whether one was removed.
func (r *APIKeyRepository) RevokeAPIKey(ctx context.Context, id string) (bool, error) {
	n, err := r.exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return n > 0, err
}

// DeleteExpiredKeys removes keys whose expiry has passed and returns how many.
func (r *APIKeyRepository) DeleteExpiredKeys(ctx context.Context) (int64, error) {
	return r.exec(ctx, `DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < $1`, r.now().UTC())
}

func (r *APIKeyRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

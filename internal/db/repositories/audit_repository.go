package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agent-market/agent-market/internal/db/models"
)

// AuditRepository stores the request and ledger audit trail in audit_logs.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository wraps an open pool. The pool stays owned by the caller.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: sqlx.NewDb(db, "postgres")}
}

// AuditFilters narrows ListAuditLogs. Zero values match everything.
type AuditFilters struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
}

// where renders the filters as a WHERE clause with positional parameters.
func (f AuditFilters) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type auditRow struct {
	ID           string         `db:"id"`
	Actor        sql.NullString `db:"actor"`
	Action       string         `db:"action"`
	ResourceType sql.NullString `db:"resource_type"`
	ResourceID   sql.NullString `db:"resource_id"`
	Metadata     []byte         `db:"metadata"`
	IPAddress    sql.NullString `db:"ip_address"`
	CreatedAt    time.Time      `db:"created_at"`
}

const auditColumns = `id, actor, action, resource_type, resource_id, metadata, ip_address, created_at`

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func (r auditRow) model() (*models.AuditLog, error) {
	log := &models.AuditLog{
		ID:           r.ID,
		Actor:        nullable(r.Actor),
		Action:       r.Action,
		ResourceType: nullable(r.ResourceType),
		ResourceID:   nullable(r.ResourceID),
		IPAddress:    nullable(r.IPAddress),
		CreatedAt:    r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &log.Metadata); err != nil {
			return nil, fmt.Errorf("audit log %s: bad metadata: %w", r.ID, err)
		}
	}
	return log, nil
}

// CreateAuditLog assigns an ID (and a timestamp when unset) and inserts log.
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	log.ID = uuid.NewString()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var metadata any
	if len(log.Metadata) > 0 {
		b, err := json.Marshal(log.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = b
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.Actor, log.Action, log.ResourceType, log.ResourceID, metadata, log.IPAddress, log.CreatedAt)
	return err
}

// ListAuditLogs returns one page of matching entries, newest first, and the
// total number of matches.
func (r *AuditRepository) ListAuditLogs(ctx context.Context, f AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where, args := f.where()

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_logs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, n+1, n+2)
	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}

	logs := make([]*models.AuditLog, 0, len(rows))
	for _, row := range rows {
		log, err := row.model()
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}
	return logs, total, nil
}

// GetAuditLog returns the entry with id, or nil when there is none.
func (r *AuditRepository) GetAuditLog(ctx context.Context, id string) (*models.AuditLog, error) {
	var row auditRow
	err := r.db.GetContext(ctx, &row, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.model()
}
